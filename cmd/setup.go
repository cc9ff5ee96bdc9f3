package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/archivemetrics"
	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sitebackup/pkg/chunkarchive"
	"github.com/paulschiretz/pgl-sitebackup/pkg/config"
	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/hook"
	"github.com/paulschiretz/pgl-sitebackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/progress"
)

// metricsInterval is how often running metrics are logged during long commands.
const metricsInterval = 30 * time.Second

// resolveConfigPath returns the config file for this run: -config if given,
// otherwise the default file inside -site-root (or the working directory).
func resolveConfigPath(flagMap map[string]interface{}) (string, error) {
	if p, ok := flagMap["config"].(string); ok && p != "" {
		return filepath.Abs(p)
	}
	siteRoot, _ := flagMap["site-root"].(string)
	if siteRoot == "" {
		siteRoot = "."
	}
	absSiteRoot, err := filepath.Abs(siteRoot)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute site root for %s: %w", siteRoot, err)
	}
	return config.DefaultPath(absSiteRoot), nil
}

// loadRunConfig loads the config file, overlays the flags and validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	configPath, err := resolveConfigPath(flagMap)
	if err != nil {
		return config.Config{}, err
	}
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	if runConfig.SiteRoot == "" {
		runConfig.SiteRoot = filepath.Dir(configPath)
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}

	level, err := plog.LevelFromString(runConfig.LogLevel)
	if err != nil {
		return config.Config{}, err
	}
	plog.SetLevel(level)
	return runConfig, nil
}

// session bundles everything a command needs to drive a backup.
type session struct {
	orchestrator *orchestrator.Orchestrator
	store        progress.Store
	metrics      archivemetrics.Metrics
}

func (r *session) Close() {
	if err := r.store.Close(); err != nil {
		plog.Warn("Failed to close progress store", "error", err)
	}
}

// newSession opens the progress store and wires the archiver, hooks and orchestrator.
func newSession(ctx context.Context, runConfig config.Config) (*session, error) {
	store, err := progress.Open(ctx, runConfig.ProgressBackend())
	if err != nil {
		return nil, fmt.Errorf("failed to open progress store: %w", err)
	}

	var metrics archivemetrics.Metrics = &archivemetrics.NoopMetrics{}
	if runConfig.Metrics {
		metrics = &archivemetrics.ArchiveMetrics{}
	}

	archiver := chunkarchive.New(store, chunkarchive.Options{
		Level:      runConfig.Compression.Level,
		BufferSize: runConfig.Compression.BufferSizeKB * 1024,
		TTL:        runConfig.ProgressTTL(),
		AppID:      buildinfo.AppID,
		Metrics:    metrics,
	})
	hooks := hook.NewHookExecutor(exec.CommandContext)

	return &session{
		orchestrator: orchestrator.New(orchestrator.NewConfig(runConfig), store, archiver, hooks),
		store:        store,
		metrics:      metrics,
	}, nil
}

// setup is loadRunConfig followed by newSession.
func setup(ctx context.Context, command flagparse.Command, flagMap map[string]interface{}) (config.Config, *session, error) {
	runConfig, err := loadRunConfig(command, flagMap)
	if err != nil {
		return config.Config{}, nil, err
	}
	runConfig.LogSummary()

	sess, err := newSession(ctx, runConfig)
	if err != nil {
		return config.Config{}, nil, err
	}
	return runConfig, sess, nil
}
