package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
)

// RunStep advances the site backup by a single chunk, for use from an external scheduler.
func RunStep(ctx context.Context, flagMap map[string]interface{}) error {
	_, sess, err := setup(ctx, flagparse.Step, flagMap)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := sess.orchestrator.Step(ctx)
	sess.metrics.LogSummary("Step metrics")
	if err != nil {
		return err
	}

	if res.Job == nil {
		plog.Info("Nothing to back up, all jobs are complete")
		return nil
	}
	percentage := 0
	if res.Chunk.Record != nil {
		percentage = res.Chunk.Record.Percentage
	}
	plog.Info("Step finished",
		"job", res.Job.Name,
		"state", res.State,
		"files_added", res.Chunk.FilesAdded,
		"percentage", percentage,
		"done", res.Done)
	return nil
}
