package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-sitebackup/cmd"
	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil // Usage was printed.
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command, "pid", os.Getpid())
	switch command {
	case flagparse.Backup:
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Step:
		return cmd.RunStep(ctx, flagMap)
	case flagparse.Schedule:
		return cmd.RunSchedule(ctx, flagMap)
	case flagparse.Status:
		return cmd.RunStatus(ctx, flagMap)
	case flagparse.Cancel:
		return cmd.RunCancel(ctx, flagMap)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// The context is canceled on Ctrl+C or SIGTERM; a running chunk aborts without
	// touching the committed archive.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
