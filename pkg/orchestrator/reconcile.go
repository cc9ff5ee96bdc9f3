package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sitebackup/pkg/chunkarchive"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/progress"
)

// decision is the reconciled state of a job between its archive on disk and its
// progress record. The archive on disk is authoritative.
type decision struct {
	state  State
	reason string
	record *progress.Record
	// discardRecord is set when the record is stale and should be deleted.
	discardRecord bool
}

// reconcile decides what a job needs without changing anything.
//
//	archive  record                 state
//	yes      complete               complete (record discarded)
//	yes      in flight              in-progress
//	yes      absent / foreign       complete if the archive carries the completion
//	                                marker or is unreadable, else in-progress
//	no       present                pending (record discarded)
//	no       absent                 pending
//	any      store unavailable      pending / in-progress, the archiver deduplicates
func (o *Orchestrator) reconcile(ctx context.Context, job Job) decision {
	if job.Kind == KindFolder {
		if info, err := os.Stat(job.Root); err != nil || !info.IsDir() {
			return decision{state: StateSkipped, reason: "source folder missing"}
		}
	}
	if sibling := siblingArtifact(job.ArchivePath); sibling != "" {
		return decision{state: StateComplete, reason: "found " + sibling}
	}

	archive := exists(job.ArchivePath)
	rec, err := o.store.Get(ctx, job.Key)
	switch {
	case errors.Is(err, progress.ErrNotFound):
		rec = nil
	case err != nil:
		plog.Warn("Progress store unavailable, running job without a record", "job", job.Name, "error", err)
		if archive {
			return decision{state: StateInProgress, reason: "progress store unavailable"}
		}
		return decision{state: StatePending, reason: "progress store unavailable"}
	}

	foreign := rec != nil && rec.ArchivePath != "" && rec.ArchivePath != job.ArchivePath
	switch {
	case archive && rec != nil && !foreign && !rec.IsComplete():
		return decision{state: StateInProgress, record: rec}
	case archive:
		if rec != nil && !foreign && rec.IsComplete() {
			return decision{state: StateComplete, reason: "archive exists", record: rec, discardRecord: true}
		}
		// Without a usable record the archive itself tells whether it was finished.
		done, err := chunkarchive.IsMarkedComplete(job.ArchivePath)
		switch {
		case err != nil:
			return decision{state: StateComplete, reason: "archive unreadable, left untouched", record: rec, discardRecord: rec != nil}
		case done:
			return decision{state: StateComplete, reason: "archive exists", record: rec, discardRecord: rec != nil}
		default:
			return decision{state: StateInProgress, reason: "archive unfinished, resuming", discardRecord: rec != nil}
		}
	case rec != nil:
		return decision{state: StatePending, reason: "archive missing, restarting", record: rec, discardRecord: true}
	default:
		return decision{state: StatePending}
	}
}

// applyDecision deletes a stale record.
func (o *Orchestrator) applyDecision(ctx context.Context, job Job, d decision) {
	if !d.discardRecord {
		return
	}
	plog.Debug("Discarding stale progress record", "job", job.Name, "key", job.Key, "reason", d.reason)
	if err := o.store.Delete(ctx, job.Key); err != nil {
		plog.Warn("Failed to delete stale progress record", "job", job.Name, "error", err)
	}
}

// siblingArtifact returns the name of a file sharing the archive's base name with a
// different extension, e.g. "uploads-2024-05-01.tar.gz" next to "uploads-2024-05-01.zip".
func siblingArtifact(archivePath string) string {
	dir := filepath.Dir(archivePath)
	name := filepath.Base(archivePath)
	stem := strings.TrimSuffix(name, filepath.Ext(name)) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.Name() != name && strings.HasPrefix(e.Name(), stem) {
			return e.Name()
		}
	}
	return ""
}
