// Package progress persists per-job backup progress between independent invocations.
//
// A Record describes how far one archive job got. Records live in a Store keyed by
// the job's progress key and expire after a TTL that callers refresh on every
// write. Stores are injected, so any backend (memory, files, SQLite, Redis) can
// hold them.
package progress

import (
	"math"
	"slices"
	"time"
)

// Record is the persisted progress of one archive job.
type Record struct {
	// ProcessedDirs lists absolute directories whose entry and direct files are all in the archive.
	ProcessedDirs []string `json:"processedDirs"`
	// ProcessedFiles counts files added to the archive across all chunks.
	ProcessedFiles int `json:"processedFiles"`
	TotalFiles     int `json:"totalFiles"`
	TotalDirs      int `json:"totalDirs"`
	Percentage     int `json:"percentage"`

	// RootFilesDone is set once every direct file of the root is in the archive.
	RootFilesDone bool `json:"rootFilesDone,omitempty"`
	// RootFiles holds base names of root files added while RootFilesDone is false.
	RootFiles []string `json:"rootFiles,omitempty"`

	// CurrentDir is the directory whose files were being added when the last chunk ran out of budget.
	CurrentDir string `json:"currentDir,omitempty"`
	// CurrentDirFiles holds base names already added from CurrentDir.
	CurrentDirFiles []string `json:"currentDirFiles,omitempty"`

	// ArchivePath is the archive this record belongs to.
	ArchivePath string    `json:"archivePath,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CompletedAt time.Time `json:"completedAt,omitzero"`

	dirIndex map[string]struct{}
}

// NewRecord returns an empty record for the given archive.
func NewRecord(archivePath string) *Record {
	return &Record{ProcessedDirs: []string{}, ArchivePath: archivePath}
}

// IsComplete reports whether the job finished its walk.
func (r *Record) IsComplete() bool {
	return r.Percentage >= 100
}

// NeedsCensus reports whether totals still have to be computed.
func (r *Record) NeedsCensus() bool {
	return r.TotalFiles == 0
}

func (r *Record) index() map[string]struct{} {
	if r.dirIndex == nil || len(r.dirIndex) != len(r.ProcessedDirs) {
		r.dirIndex = make(map[string]struct{}, len(r.ProcessedDirs))
		for _, d := range r.ProcessedDirs {
			r.dirIndex[d] = struct{}{}
		}
	}
	return r.dirIndex
}

// IsDirProcessed reports whether dir is already fully archived.
func (r *Record) IsDirProcessed(dir string) bool {
	_, ok := r.index()[dir]
	return ok
}

// MarkDirProcessed records dir as fully archived and clears the in-directory cursor if it pointed at dir.
func (r *Record) MarkDirProcessed(dir string) {
	if r.IsDirProcessed(dir) {
		return
	}
	r.ProcessedDirs = append(r.ProcessedDirs, dir)
	r.dirIndex[dir] = struct{}{}
	if r.CurrentDir == dir {
		r.CurrentDir = ""
		r.CurrentDirFiles = nil
	}
}

// HasRootFile reports whether the root file name was added by an earlier chunk.
func (r *Record) HasRootFile(name string) bool {
	return r.RootFilesDone || slices.Contains(r.RootFiles, name)
}

// MarkRootFile records a root file as added.
func (r *Record) MarkRootFile(name string) {
	if !slices.Contains(r.RootFiles, name) {
		r.RootFiles = append(r.RootFiles, name)
	}
}

// FinishRootFiles marks Pass A as done and drops the per-file list.
func (r *Record) FinishRootFiles() {
	r.RootFilesDone = true
	r.RootFiles = nil
}

// EnterDir points the in-directory cursor at dir. Entering a different directory resets the cursor.
func (r *Record) EnterDir(dir string) {
	if r.CurrentDir != dir {
		r.CurrentDir = dir
		r.CurrentDirFiles = nil
	}
}

// HasDirFile reports whether name inside the current directory was already added.
func (r *Record) HasDirFile(dir, name string) bool {
	return r.CurrentDir == dir && slices.Contains(r.CurrentDirFiles, name)
}

// MarkDirFile records a file of the current directory as added.
func (r *Record) MarkDirFile(dir, name string) {
	r.EnterDir(dir)
	if !slices.Contains(r.CurrentDirFiles, name) {
		r.CurrentDirFiles = append(r.CurrentDirFiles, name)
	}
}

// UpdatePercentage derives the percentage from processed and total directories.
// Until complete is true the value is capped at 99, and it never decreases.
func (r *Record) UpdatePercentage(complete bool) {
	if complete {
		r.Percentage = 100
		return
	}
	next := 0
	if r.TotalDirs > 0 {
		next = int(math.Round(float64(len(r.ProcessedDirs)) / float64(r.TotalDirs) * 100))
	}
	next = min(next, 99)
	if next > r.Percentage {
		r.Percentage = next
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.ProcessedDirs = slices.Clone(r.ProcessedDirs)
	c.RootFiles = slices.Clone(r.RootFiles)
	c.CurrentDirFiles = slices.Clone(r.CurrentDirFiles)
	c.dirIndex = nil
	return &c
}
