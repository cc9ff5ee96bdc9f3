package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/scheduler"
)

// RunSchedule runs one step per cron tick until ctx is cancelled.
func RunSchedule(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, sess, err := setup(ctx, flagparse.Schedule, flagMap)
	if err != nil {
		return err
	}
	defer sess.Close()

	s, err := scheduler.New(runConfig.Schedule.Cron, sess.orchestrator)
	if err != nil {
		return err
	}

	sess.metrics.StartProgress("Schedule progress", metricsInterval)
	defer sess.metrics.StopProgress()

	if err := s.Run(ctx); err != nil {
		return err
	}
	sess.metrics.LogSummary("Schedule metrics")
	plog.Info(buildinfo.Name + " scheduler exited.")
	return nil
}
