//go:build !windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand creates an exec.Cmd for a hook on Unix-like systems.
func (e *HookExecutor) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := e.commandContext(ctx, "/bin/sh", "-c", command)
	// Own process group, so cancellation reaches every child of the shell.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
