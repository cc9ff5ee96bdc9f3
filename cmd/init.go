package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sitebackup/pkg/config"
	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/preflight"
)

// initLockKey names the lock held while a config file is written.
const initLockKey = "init"

// RunInit writes a config file with the defaults, or the existing config, merged with the flags.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	if _, ok := flagMap["site-root"]; !ok {
		if _, ok := flagMap["config"]; !ok {
			return fmt.Errorf("the -site-root or -config flag is required for the init operation")
		}
	}
	configPath, err := resolveConfigPath(flagMap)
	if err != nil {
		return err
	}

	initDefault, _ := flagMap["default"].(bool)
	force, _ := flagMap["force"].(bool)

	var baseConfig config.Config
	if initDefault {
		if !force {
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Preserve an existing config. config.Load returns the defaults if the file doesn't exist.
		baseConfig, err = config.Load(configPath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	if runConfig.SiteRoot == "" {
		runConfig.SiteRoot = filepath.Dir(configPath)
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return err
	}

	startTime := time.Now()
	if err := preflight.CheckSourceReadable(runConfig.SiteRoot); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}
	if err := preflight.CheckTargetWritable(filepath.Dir(configPath), false); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Would write configuration", "path", configPath)
		return nil
	}

	lock, err := lockfile.Acquire(ctx, filepath.Dir(configPath), initLockKey, buildinfo.AppID)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for the configuration file: %w", err)
	}
	defer lock.Release()

	if err := config.Generate(runConfig, configPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" configuration written.", "path", configPath, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
