package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/progress"
)

// CancelResult reports what CancelAll removed.
type CancelResult struct {
	EntriesDeleted int
	RecordsDeleted int
}

// CancelAll discards every archive and all progress of the site: each entry of the
// backup directory is removed, then the site and folder progress records. It is
// destructive and does not wait for running chunks to finish.
func (o *Orchestrator) CancelAll(ctx context.Context) (CancelResult, error) {
	var result CancelResult

	entries, err := os.ReadDir(o.cfg.BackupDir)
	if err != nil && !os.IsNotExist(err) {
		return result, fmt.Errorf("failed to read backup directory %s: %w", o.cfg.BackupDir, err)
	}

	if o.cfg.DryRun {
		for _, e := range entries {
			plog.Notice("[DRY RUN] DELETE", "path", filepath.Join(o.cfg.BackupDir, e.Name()))
		}
		plog.Info("[DRY RUN] Would delete all progress records", "prefixes", []string{progress.SiteKey, progress.FolderKeyPrefix})
		return result, nil
	}

	plog.Info("Cancelling all backups", "backup_dir", o.cfg.BackupDir, "entries", len(entries))

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.DeleteWorkers)
	var deleteErrs atomic.Int64
	for _, e := range entries {
		path := filepath.Join(o.cfg.BackupDir, e.Name())
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			plog.Notice("DELETE", "path", path)
			if err := os.RemoveAll(path); err != nil {
				deleteErrs.Add(1)
				plog.Warn("Failed to delete backup entry", "path", path, "error", err)
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	waitErr := g.Wait()
	result.EntriesDeleted = int(deleted.Load())

	var errs []error
	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	if n := deleteErrs.Load(); n > 0 {
		errs = append(errs, fmt.Errorf("failed to delete %d backup entries", n))
	}

	// Records are removed even when the context was cancelled, so no job resumes into a deleted archive.
	storeCtx := context.WithoutCancel(ctx)
	for _, prefix := range []string{progress.SiteKey, progress.FolderKeyPrefix} {
		n, err := o.store.DeleteByPrefix(storeCtx, prefix)
		result.RecordsDeleted += n
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete progress records with prefix %s: %w", prefix, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return result, err
	}
	plog.Info("All backups cancelled", "entries_deleted", result.EntriesDeleted, "records_deleted", result.RecordsDeleted)
	return result, nil
}
