// Package hook runs user-configured shell commands before and after a backup run.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
)

var ErrNothingToExecute = backuperr.Skip("nothing to execute")
var ErrDisabled = backuperr.Skip("hook execution is disabled")

// Phase names the point of a backup run a hook belongs to.
type Phase string

const (
	PreBackup  Phase = "pre-backup"
	PostBackup Phase = "post-backup"
)

// Plan holds the hook commands of one run.
type Plan struct {
	Enabled bool

	PreBackupCommands  []string
	PostBackupCommands []string

	// Env is appended to the process environment of every command.
	Env []string

	DryRun   bool
	FailFast bool
}

func (p *Plan) commands(phase Phase) []string {
	if phase == PreBackup {
		return p.PreBackupCommands
	}
	return p.PostBackupCommands
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a HookExecutor. Pass exec.CommandContext outside of tests.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// Run executes the commands of phase in order. Without FailFast a failing command
// is logged and the next one runs.
func (e *HookExecutor) Run(ctx context.Context, phase Phase, p *Plan) error {
	if p == nil || !p.Enabled {
		return ErrDisabled
	}
	commands := p.commands(phase)
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "phase", phase, "count", len(commands))

	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "phase", phase, "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "phase", phase, "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		cmd.Env = append(append(os.Environ(), p.Env...), "PGL_SITEBACKUP_PHASE="+string(phase))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A cancelled context makes Wait fail too; report the cancellation.
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("%s command '%s' failed: %w", phase, hookCommand, err)
			}
			plog.Warn("Hook command failed", "phase", phase, "command", hookCommand, "error", err)
		}
	}
	return nil
}
