// Package scheduler runs backup steps on a cron expression.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-sitebackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
)

// Stepper performs one unit of backup work.
type Stepper interface {
	Step(ctx context.Context) (orchestrator.StepResult, error)
}

// Scheduler triggers a Stepper on every tick of a cron schedule.
// A tick is skipped while the previous step is still running.
type Scheduler struct {
	expr    string
	stepper Stepper
	done    bool
}

// New validates the standard five-field cron expression (descriptors such as
// "@every 1m" are accepted) and returns a Scheduler for it.
func New(expr string, stepper Stepper) (*Scheduler, error) {
	if _, err := cron.ParseStandard(expr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &Scheduler{expr: expr, stepper: stepper}, nil
}

// Run blocks until ctx is cancelled, running one step per tick. A step in
// flight when ctx is cancelled is waited for before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.expr, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("failed to register schedule %q: %w", s.expr, err)
	}

	plog.Info("Backup schedule started", "cron", s.expr)
	c.Start()
	<-ctx.Done()

	plog.Info("Stopping backup schedule, waiting for the running step")
	<-c.Stop().Done()
	plog.Info("Backup schedule stopped")
	return nil
}

// tick runs one step and logs its outcome. Errors are logged, not returned, so
// a failing step is retried on the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.stepper.Step(ctx)
	if err != nil {
		plog.Error("Scheduled backup step failed", "error", err)
		return
	}

	switch {
	case res.Done && res.Job == nil:
		if !s.done {
			plog.Info("Site backup complete, waiting for a new day or a cancel")
		}
		s.done = true
	case res.Job != nil:
		s.done = false
		percentage := 0
		if res.Chunk.Record != nil {
			percentage = res.Chunk.Record.Percentage
		}
		plog.Info("Scheduled backup step finished",
			"job", res.Job.Name,
			"state", res.State,
			"files_added", res.Chunk.FilesAdded,
			"percentage", percentage,
			"done", res.Done)
	default:
		plog.Debug("Scheduled backup step did nothing", "state", res.State)
	}
}

// cronLogger routes cron's own logging through plog. Scheduling chatter goes to debug.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	plog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	plog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
