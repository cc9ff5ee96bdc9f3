package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
)

// RunCancel deletes every archive and all progress of the site.
func RunCancel(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, sess, err := setup(ctx, flagparse.Cancel, flagMap)
	if err != nil {
		return err
	}
	defer sess.Close()

	force, _ := flagMap["force"].(bool)
	if !force && !runConfig.Runtime.DryRun {
		fmt.Printf("WARNING: This deletes everything in %s and all backup progress.\n", runConfig.BackupPath())
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " cancel operation aborted.")
			return nil
		}
	}

	startTime := time.Now()
	result, err := sess.orchestrator.CancelAll(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" backups cancelled.",
		"entries_deleted", result.EntriesDeleted,
		"records_deleted", result.RecordsDeleted,
		"duration", duration)
	return nil
}
