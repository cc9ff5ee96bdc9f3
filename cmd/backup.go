package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
)

// RunBackup archives every job of the site to completion.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	_, sess, err := setup(ctx, flagparse.Backup, flagMap)
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.metrics.StartProgress("Backup progress", metricsInterval)
	startTime := time.Now()
	report, err := sess.orchestrator.RunFullBackup(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)
	sess.metrics.StopProgress()
	sess.metrics.LogSummary("Backup metrics")

	logReport(report)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d backup jobs failed", len(failed))
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

func logReport(report orchestrator.Report) {
	for _, jr := range report.Jobs {
		args := []interface{}{"job", jr.Job.Name, "state", jr.State, "chunks", jr.Chunks, "files", jr.Files}
		if jr.Reason != "" {
			args = append(args, "reason", jr.Reason)
		}
		if jr.Err != nil {
			args = append(args, "error", jr.Err)
			plog.Warn("Backup job", args...)
			continue
		}
		plog.Info("Backup job", args...)
	}
}
