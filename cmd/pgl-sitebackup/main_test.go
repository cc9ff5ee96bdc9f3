package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("No Args Prints Usage", func(t *testing.T) {
		if err := run(ctx, nil); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("Version", func(t *testing.T) {
		if err := run(ctx, []string{"version"}); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		if err := run(ctx, []string{"restore"}); err == nil {
			t.Error("expected an error for an unknown command")
		}
	})

	t.Run("Subcommand Help", func(t *testing.T) {
		err := run(ctx, []string{"backup", "-h"})
		if !errors.Is(err, flag.ErrHelp) {
			t.Errorf("expected flag.ErrHelp, got %v", err)
		}
	})

	t.Run("Init Then Status", func(t *testing.T) {
		siteRoot := t.TempDir()
		if err := run(ctx, []string{"init", "-site-root", siteRoot, "-progress-backend", "memory"}); err != nil {
			t.Fatalf("init failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(siteRoot, "pgl-sitebackup.config.json")); err != nil {
			t.Fatalf("expected config file: %v", err)
		}
		if err := run(ctx, []string{"status", "-site-root", siteRoot}); err != nil {
			t.Errorf("status failed: %v", err)
		}
	})
}
