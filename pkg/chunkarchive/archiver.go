// Package chunkarchive archives a directory tree into a zip file in bounded chunks.
//
// Each call to RunChunk adds at most ChunkBudget files, commits the archive and
// persists a progress record, so a backup of any size can be spread over many
// short, independent invocations. A chunk never re-adds work recorded as done:
// root files, processed directories and the files of the directory that was
// interrupted are all tracked in the record.
package chunkarchive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/archivemetrics"
	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
	"github.com/paulschiretz/pgl-sitebackup/pkg/census"
	"github.com/paulschiretz/pgl-sitebackup/pkg/exclusion"
	"github.com/paulschiretz/pgl-sitebackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/pool"
	"github.com/paulschiretz/pgl-sitebackup/pkg/preflight"
	"github.com/paulschiretz/pgl-sitebackup/pkg/progress"
	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

// Job describes one archive job.
type Job struct {
	// Key is the progress key of the job.
	Key string
	// Root is the absolute directory being archived.
	Root string
	// ArchivePath is the absolute path of the zip file.
	ArchivePath string
	// ChunkBudget caps the files added per invocation; 0 means unbounded.
	ChunkBudget int
	Exclusions  exclusion.Policy
}

// ChunkResult reports what one RunChunk invocation did.
type ChunkResult struct {
	Record            *progress.Record
	FilesAdded        int
	DirsAdded         int
	DuplicatesSkipped int
	// Exhausted is set when the chunk stopped because the budget was used up.
	Exhausted bool
	// Complete is set when the whole tree is in the archive.
	Complete bool
	// CheckpointErr is set when the archive was committed but the record could not be persisted.
	CheckpointErr error
}

// Options configures an Archiver.
type Options struct {
	Level      Level
	BufferSize int
	// TTL is the lifetime of persisted records. Zero uses progress.DefaultTTL, a negative value disables expiry.
	TTL     time.Duration
	AppID   string
	Metrics archivemetrics.Metrics
}

// Archiver runs chunks of archive jobs against a progress store.
type Archiver struct {
	store   progress.Store
	opts    Options
	buffers *pool.BufferPool
	now     func() time.Time
}

// errChunkExhausted ends the directory walk when the budget is used up.
var errChunkExhausted = errors.New("chunk budget exhausted")

const defaultBufferSize = 256 * 1024

// New returns an Archiver persisting progress in store.
func New(store progress.Store, opts Options) *Archiver {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.TTL == 0 {
		opts.TTL = progress.DefaultTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = &archivemetrics.NoopMetrics{}
	}
	if opts.AppID == "" {
		opts.AppID = "pgl-sitebackup"
	}
	return &Archiver{store: store, opts: opts, buffers: pool.NewBufferPool(opts.BufferSize), now: time.Now}
}

// LoadRecord returns the job's persisted record, or a fresh one.
// A record that belongs to a different archive is discarded. A store failure
// is logged and yields a fresh record; the chunk then re-adds entries, which
// the appender skips as duplicates.
func (a *Archiver) LoadRecord(ctx context.Context, job Job) *progress.Record {
	rec, err := a.store.Get(ctx, job.Key)
	switch {
	case errors.Is(err, progress.ErrNotFound):
		return progress.NewRecord(job.ArchivePath)
	case err != nil:
		plog.Warn("Progress store unavailable, starting from a fresh record", "job", job.Key, "error", err)
		return progress.NewRecord(job.ArchivePath)
	case rec.ArchivePath != "" && rec.ArchivePath != job.ArchivePath:
		plog.Info("Discarding progress of a different archive", "job", job.Key, "recorded", rec.ArchivePath, "archive", job.ArchivePath)
		return progress.NewRecord(job.ArchivePath)
	}
	rec.ArchivePath = job.ArchivePath
	return rec
}

// RunChunk advances job by at most one chunk.
func (a *Archiver) RunChunk(ctx context.Context, job Job) (ChunkResult, error) {
	if err := preflight.CheckSourceReadable(job.Root); err != nil {
		return ChunkResult{}, err
	}
	if err := preflight.CheckArchiveTarget(job.ArchivePath); err != nil {
		return ChunkResult{}, err
	}

	lock, err := lockfile.Acquire(ctx, filepath.Dir(job.ArchivePath), job.Key, a.opts.AppID)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("failed to lock job %s: %w", job.Key, err)
	}
	defer lock.Release()
	removeStaleTemps(job.ArchivePath)

	// Loaded under the lock so a concurrent holder's last checkpoint is seen.
	rec := a.LoadRecord(ctx, job)
	if rec.IsComplete() {
		return ChunkResult{Record: rec, Complete: true}, nil
	}

	// Mark the job in flight before its archive exists so an interrupted first
	// chunk is not mistaken for a finished archive.
	if _, statErr := os.Lstat(job.ArchivePath); os.IsNotExist(statErr) {
		rec.UpdatedAt = a.now()
		if err := a.store.Set(ctx, job.Key, rec, a.opts.TTL); err != nil {
			plog.Warn("Failed to mark job in flight", "job", job.Key, "error", err)
		}
	}

	app, err := openAppender(job.ArchivePath, a.opts.Level, a.buffers, a.opts.Metrics)
	if err != nil {
		a.opts.Metrics.AddChunksFailed(1)
		return ChunkResult{}, err
	}

	run := &chunkRun{archiver: a, job: job, rec: rec, app: app}
	res, err := run.execute(ctx)
	if err != nil {
		app.abort()
		a.opts.Metrics.AddChunksFailed(1)
		return ChunkResult{}, err
	}
	a.opts.Metrics.AddChunksRun(1)
	return res, nil
}

// chunkRun holds the state of one RunChunk invocation.
type chunkRun struct {
	archiver *Archiver
	job      Job
	rec      *progress.Record
	app      *appender
	res      ChunkResult
	// added counts the files added during this invocation only.
	added int
}

func (r *chunkRun) exhausted() bool {
	return r.job.ChunkBudget > 0 && r.added >= r.job.ChunkBudget
}

func (r *chunkRun) execute(ctx context.Context) (ChunkResult, error) {
	if r.rec.NeedsCensus() {
		totals, err := census.Count(ctx, r.job.Root, r.job.Exclusions)
		if err != nil {
			return ChunkResult{}, &backuperr.ArchiveIOError{Op: "scan", Path: r.job.Root, Err: err}
		}
		r.rec.TotalFiles = totals.Files
		r.rec.TotalDirs = totals.Dirs
		plog.Debug("Counted backup tree", "job", r.job.Key, "files", totals.Files, "dirs", totals.Dirs)
	}

	if !r.rec.RootFilesDone {
		stopped, err := r.addRootFiles(ctx)
		if err != nil {
			return ChunkResult{}, err
		}
		if stopped {
			return r.checkpoint(ctx, false)
		}
		r.rec.FinishRootFiles()
	}

	err := filepath.WalkDir(r.job.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() || path == r.job.Root {
			return nil
		}
		if r.job.Exclusions.Excludes(path) {
			return filepath.SkipDir
		}
		// Processed directories are skipped, their subdirectories are still visited.
		if r.rec.IsDirProcessed(path) {
			return nil
		}
		if r.exhausted() {
			return errChunkExhausted
		}
		return r.addDir(ctx, path, d)
	})

	switch {
	case errors.Is(err, errChunkExhausted):
		return r.checkpoint(ctx, false)
	case err != nil:
		var archiveErr *backuperr.ArchiveIOError
		if errors.As(err, &archiveErr) {
			return ChunkResult{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ChunkResult{}, fmt.Errorf("chunk of job %s aborted: %w", r.job.Key, ctxErr)
		}
		return ChunkResult{}, &backuperr.ArchiveIOError{Op: "walk", Path: r.job.Root, Err: err}
	}
	return r.checkpoint(ctx, true)
}

// addRootFiles runs pass A. It reports true when the budget ran out.
func (r *chunkRun) addRootFiles(ctx context.Context) (bool, error) {
	entries, err := os.ReadDir(r.job.Root)
	if err != nil {
		return false, &backuperr.ArchiveIOError{Op: "read", Path: r.job.Root, Err: err}
	}

	for _, e := range entries {
		if e.IsDir() || !isArchivable(e) {
			continue
		}
		path := filepath.Join(r.job.Root, e.Name())
		if r.job.Exclusions.Excludes(path) || r.rec.HasRootFile(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("chunk of job %s aborted: %w", r.job.Key, err)
		}
		if r.exhausted() {
			return true, nil
		}
		if err := r.addFile(path, e); err != nil {
			return false, err
		}
		r.rec.MarkRootFile(e.Name())
	}
	return false, nil
}

// addDir adds the directory entry and every direct file of dir, then marks dir processed.
func (r *chunkRun) addDir(ctx context.Context, dir string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return &backuperr.ArchiveIOError{Op: "stat", Path: dir, Err: err}
	}
	name, err := r.entryName(dir)
	if err != nil {
		return err
	}
	created, err := r.app.addDir(name+"/", info)
	if err != nil {
		return &backuperr.ArchiveIOError{Op: "add", Path: dir, Err: err}
	}
	if created {
		plog.Notice("ADD", "job", r.job.Key, "dir", name+"/")
	}
	r.rec.EnterDir(dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &backuperr.ArchiveIOError{Op: "read", Path: dir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || !isArchivable(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if r.job.Exclusions.Excludes(path) || r.rec.HasDirFile(dir, e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.exhausted() {
			return errChunkExhausted
		}
		if err := r.addFile(path, e); err != nil {
			return err
		}
		r.rec.MarkDirFile(dir, e.Name())
	}

	r.rec.MarkDirProcessed(dir)
	r.res.DirsAdded++
	r.archiver.opts.Metrics.AddDirsAdded(1)
	r.rec.UpdatePercentage(false)
	return nil
}

func (r *chunkRun) addFile(path string, e fs.DirEntry) error {
	info, err := e.Info()
	if err != nil {
		return &backuperr.ArchiveIOError{Op: "stat", Path: path, Err: err}
	}
	name, err := r.entryName(path)
	if err != nil {
		return err
	}

	created, err := r.app.addFile(path, name, info)
	if err != nil {
		return &backuperr.ArchiveIOError{Op: "add", Path: path, Err: err}
	}
	if !created {
		// Present from an earlier chunk whose record was lost; no budget is spent.
		r.res.DuplicatesSkipped++
		r.archiver.opts.Metrics.AddDuplicatesSkipped(1)
		return nil
	}

	plog.Notice("ADD", "job", r.job.Key, "file", name)
	r.added++
	r.res.FilesAdded++
	r.rec.ProcessedFiles++
	r.archiver.opts.Metrics.AddFilesAdded(1)
	return nil
}

// entryName returns path relative to the root in archive form.
func (r *chunkRun) entryName(path string) (string, error) {
	rel, err := filepath.Rel(r.job.Root, path)
	if err != nil {
		return "", &backuperr.ArchiveIOError{Op: "add", Path: path, Err: fmt.Errorf("failed to get relative path: %w", err)}
	}
	return util.NormalizePath(rel), nil
}

// checkpoint commits the archive and then persists the record.
func (r *chunkRun) checkpoint(ctx context.Context, complete bool) (ChunkResult, error) {
	now := r.archiver.now()
	r.rec.UpdatePercentage(complete)
	r.rec.UpdatedAt = now
	if complete {
		r.rec.CompletedAt = now
	}

	if complete {
		if err := r.app.markComplete(); err != nil {
			return ChunkResult{}, &backuperr.ArchiveIOError{Op: "commit", Path: r.job.ArchivePath, Err: err}
		}
	}
	if err := r.app.commit(); err != nil {
		return ChunkResult{}, &backuperr.ArchiveIOError{Op: "commit", Path: r.job.ArchivePath, Err: err}
	}

	// The archive is committed; persist even if the caller gave up meanwhile.
	if err := r.archiver.store.Set(context.WithoutCancel(ctx), r.job.Key, r.rec, r.archiver.opts.TTL); err != nil {
		plog.Warn("Failed to persist progress, the next chunk will resume from the last persisted state",
			"job", r.job.Key, "error", err)
		r.res.CheckpointErr = err
	}

	r.res.Record = r.rec
	r.res.Exhausted = !complete
	r.res.Complete = complete
	plog.Info("Chunk finished",
		"job", r.job.Key,
		"files_added", r.res.FilesAdded,
		"dirs_added", r.res.DirsAdded,
		"percentage", r.rec.Percentage,
		"entries", r.app.entries(),
	)
	return r.res, nil
}

// isArchivable reports whether a non-directory entry is a regular file or symlink.
func isArchivable(e fs.DirEntry) bool {
	t := e.Type()
	return t.IsRegular() || t&fs.ModeSymlink != 0
}
