package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sitebackup/pkg/chunkarchive"
	"github.com/paulschiretz/pgl-sitebackup/pkg/exclusion"
	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/progress"
	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

// ConfigFileName is the name of the configuration file looked up in the site root.
const ConfigFileName = "pgl-sitebackup.config.json"

const (
	defaultBackupDirName   = "pgl-sitebackups"
	defaultProgressDirName = "pgl-sitebackup-progress"
)

// FolderConfig is one dedicated archive job. Folder is relative to the content directory
// unless absolute; lower priorities run first.
type FolderConfig struct {
	Priority int    `json:"priority"`
	Folder   string `json:"folder"`
}

type ChunkConfig struct {
	// FolderChunkSize is the per-chunk file budget of the folder jobs. 0 disables chunking.
	FolderChunkSize int `json:"folderChunkSize"`
	// SiteChunkSize is the per-chunk file budget of the site core sweep. 0 disables chunking.
	SiteChunkSize int `json:"siteChunkSize"`
}

type ExclusionsConfig struct {
	DefaultNames []string `json:"defaultNames"`
	UserNames    []string `json:"userNames"`
	// UserPaths are path prefixes; relative entries resolve against the site root.
	UserPaths []string `json:"userPaths"`
}

type NamingConfig struct {
	// DateFormat is a Go reference-time layout used in archive names.
	DateFormat string `json:"dateFormat"`
	OthersName string `json:"othersName"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace,omitempty"`
}

type ProgressConfig struct {
	Backend    string `json:"backend"`
	TTLSeconds int    `json:"ttlSeconds"`
	// Path is the directory of the file backend or the database of the sqlite backend.
	// Empty selects a location inside the content directory.
	Path  string      `json:"path,omitempty"`
	Redis RedisConfig `json:"redis"`
}

type CompressionConfig struct {
	Level        chunkarchive.Level `json:"level"`
	BufferSizeKB int                `json:"bufferSizeKB"`
}

type ScheduleConfig struct {
	Cron string `json:"cron"`
}

type HooksConfig struct {
	PreBackup  []string `json:"preBackup"`
	PostBackup []string `json:"postBackup"`
	FailFast   bool     `json:"failFast"`
}

type EngineConfig struct {
	DeleteWorkers int `json:"deleteWorkers"`
}

type RuntimeConfig struct {
	DryRun bool `json:"-"`
}

type Config struct {
	Version     string            `json:"version"`
	SiteRoot    string            `json:"siteRoot"`
	ContentDir  string            `json:"contentDir"`
	BackupDir   string            `json:"backupDir,omitempty"`
	LogLevel    string            `json:"logLevel"`
	Metrics     bool              `json:"metrics"`
	Folders     []FolderConfig    `json:"folders"`
	Chunk       ChunkConfig       `json:"chunk"`
	Exclusions  ExclusionsConfig  `json:"exclusions"`
	Naming      NamingConfig      `json:"naming"`
	Progress    ProgressConfig    `json:"progress"`
	Compression CompressionConfig `json:"compression"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Hooks       HooksConfig       `json:"hooks"`
	Engine      EngineConfig      `json:"engine"`
	Runtime     RuntimeConfig     `json:"-"`
}

// NewDefault returns a Config with default values.
func NewDefault() Config {
	return Config{
		Version:    buildinfo.Version,
		SiteRoot:   "", // Intentionally empty to force user configuration.
		ContentDir: "wp-content",
		BackupDir:  "", // Empty resolves to <contentDir>/pgl-sitebackups.
		LogLevel:   "info",
		Metrics:    true,
		Folders: []FolderConfig{
			{Priority: 1, Folder: "plugins"},
			{Priority: 2, Folder: "themes"},
			{Priority: 3, Folder: "uploads"},
		},
		Chunk: ChunkConfig{
			FolderChunkSize: 500,
			SiteChunkSize:   10500,
		},
		Exclusions: ExclusionsConfig{
			DefaultNames: exclusion.DefaultNames(),
			UserNames:    []string{},
			UserPaths:    []string{},
		},
		Naming: NamingConfig{
			DateFormat: "2006-01-02",
			OthersName: "others",
		},
		Progress: ProgressConfig{
			Backend:    progress.BackendFile,
			TTLSeconds: int(progress.DefaultTTL / time.Second),
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Namespace: "pgl-sitebackup",
			},
		},
		Compression: CompressionConfig{
			Level:        chunkarchive.Default,
			BufferSizeKB: 256, // Keep it between 64KB-4MB
		},
		Schedule: ScheduleConfig{
			Cron: "*/5 * * * *",
		},
		Hooks: HooksConfig{
			PreBackup:  []string{},
			PostBackup: []string{},
		},
		Engine: EngineConfig{
			DeleteWorkers: 4,
		},
	}
}

// DefaultPath returns the config file location inside siteRoot.
func DefaultPath(siteRoot string) string {
	return filepath.Join(siteRoot, ConfigFileName)
}

// Load reads the config file at configPath on top of the defaults. A missing file
// yields the defaults. An empty siteRoot in the file defaults to the file's directory.
func Load(configPath string) (Config, error) {
	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", configPath, err)
	}

	file, err := os.Open(absConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absConfigPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", absConfigPath)
	// Decoding over the defaults keeps missing fields at their default values.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absConfigPath, err)
	}

	if config.SiteRoot == "" {
		config.SiteRoot = filepath.Dir(absConfigPath)
	}

	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate writes cfg as indented JSON to configPath.
func Generate(cfg Config, configPath string) error {
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration and canonicalizes SiteRoot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SiteRoot) == "" {
		return fmt.Errorf("siteRoot cannot be empty")
	}
	var err error
	c.SiteRoot, err = util.ExpandPath(c.SiteRoot)
	if err != nil {
		return fmt.Errorf("could not expand siteRoot: %w", err)
	}
	c.SiteRoot, err = filepath.Abs(c.SiteRoot)
	if err != nil {
		return fmt.Errorf("could not determine absolute siteRoot: %w", err)
	}
	info, err := os.Stat(c.SiteRoot)
	if err != nil {
		return fmt.Errorf("siteRoot '%s' is not accessible: %w", c.SiteRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("siteRoot '%s' is not a directory", c.SiteRoot)
	}

	if strings.TrimSpace(c.ContentDir) == "" {
		return fmt.Errorf("contentDir cannot be empty")
	}
	if c.BackupPath() == c.SiteRoot {
		return fmt.Errorf("backupDir cannot be the site root")
	}

	if _, err := plog.LevelFromString(c.LogLevel); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Folders))
	// Archives are named after the folder's base name, compared case-insensitively
	// for case-insensitive filesystems.
	archiveNames := make(map[string]string, len(c.Folders))
	for i, f := range c.Folders {
		if strings.TrimSpace(f.Folder) == "" {
			return fmt.Errorf("folders[%d].folder cannot be empty", i)
		}
		p := c.FolderPath(f.Folder)
		if seen[p] {
			return fmt.Errorf("folders[%d]: duplicate folder %s", i, p)
		}
		seen[p] = true
		if p == c.SiteRoot {
			return fmt.Errorf("folders[%d]: folder cannot be the site root", i)
		}
		name := strings.ToLower(filepath.Base(p))
		if other, ok := archiveNames[name]; ok {
			return fmt.Errorf("folders[%d]: folder %s has the same archive name as %s", i, p, other)
		}
		archiveNames[name] = p
	}

	if c.Chunk.FolderChunkSize < 0 {
		return fmt.Errorf("chunk.folderChunkSize cannot be negative")
	}
	if c.Chunk.SiteChunkSize < 0 {
		return fmt.Errorf("chunk.siteChunkSize cannot be negative")
	}

	if c.Naming.DateFormat == "" {
		return fmt.Errorf("naming.dateFormat cannot be empty")
	}
	if strings.ContainsAny(time.Now().Format(c.Naming.DateFormat), `\/`) {
		return fmt.Errorf("naming.dateFormat cannot produce path separators ('/' or '\\')")
	}
	if c.Naming.OthersName == "" {
		return fmt.Errorf("naming.othersName cannot be empty")
	}
	if strings.ContainsAny(c.Naming.OthersName, `\/`) {
		return fmt.Errorf("naming.othersName cannot contain path separators ('/' or '\\')")
	}
	if other, ok := archiveNames[strings.ToLower(c.Naming.OthersName)]; ok {
		return fmt.Errorf("naming.othersName '%s' has the same archive name as folder %s", c.Naming.OthersName, other)
	}

	switch c.Progress.Backend {
	case progress.BackendFile, progress.BackendSQLite, progress.BackendMemory:
	case progress.BackendRedis:
		if c.Progress.Redis.Addr == "" {
			return fmt.Errorf("progress.redis.addr cannot be empty when the redis backend is selected")
		}
	default:
		return fmt.Errorf("invalid progress.backend: %q. Must be 'file', 'sqlite', 'redis' or 'memory'", c.Progress.Backend)
	}
	if c.Progress.TTLSeconds < 0 {
		return fmt.Errorf("progress.ttlSeconds cannot be negative")
	}

	if c.Compression.BufferSizeKB <= 0 {
		return fmt.Errorf("compression.bufferSizeKB must be at least 1")
	}
	if c.Engine.DeleteWorkers < 1 {
		return fmt.Errorf("engine.deleteWorkers must be at least 1")
	}
	if strings.TrimSpace(c.Schedule.Cron) == "" {
		return fmt.Errorf("schedule.cron cannot be empty")
	}
	return nil
}

// ContentPath returns the absolute content directory.
func (c *Config) ContentPath() string {
	p, err := util.ResolvePath(c.SiteRoot, c.ContentDir)
	if err != nil {
		return filepath.Join(c.SiteRoot, c.ContentDir)
	}
	return p
}

// BackupPath returns the absolute directory archives are written to.
func (c *Config) BackupPath() string {
	if c.BackupDir == "" {
		return filepath.Join(c.ContentPath(), defaultBackupDirName)
	}
	p, err := util.ResolvePath(c.SiteRoot, c.BackupDir)
	if err != nil {
		return filepath.Join(c.SiteRoot, c.BackupDir)
	}
	return p
}

// FolderPath resolves a configured folder against the content directory.
func (c *Config) FolderPath(folder string) string {
	p, err := util.ResolvePath(c.ContentPath(), folder)
	if err != nil {
		return filepath.Join(c.ContentPath(), folder)
	}
	return p
}

// ProgressPath returns the location of the file or sqlite progress backend.
func (c *Config) ProgressPath() string {
	if c.Progress.Path != "" {
		if p, err := util.ResolvePath(c.SiteRoot, c.Progress.Path); err == nil {
			return p
		}
	}
	base := filepath.Join(c.ContentPath(), defaultProgressDirName)
	if c.Progress.Backend == progress.BackendSQLite {
		return base + ".db"
	}
	return base
}

// UserExcludePaths returns the absolute user path exclusions.
func (c *Config) UserExcludePaths() []string {
	paths := make([]string, 0, len(c.Exclusions.UserPaths))
	for _, p := range c.Exclusions.UserPaths {
		resolved, err := util.ResolvePath(c.SiteRoot, p)
		if err != nil || resolved == "" {
			continue
		}
		paths = append(paths, resolved)
	}
	return paths
}

// ExcludeNames returns the merged default and user name exclusions.
func (c *Config) ExcludeNames() []string {
	return util.MergeAndDeduplicate(c.Exclusions.DefaultNames, c.Exclusions.UserNames)
}

// SortedFolders returns the folders ordered by ascending priority. Equal priorities keep
// their configured order.
func (c *Config) SortedFolders() []FolderConfig {
	sorted := slices.Clone(c.Folders)
	slices.SortStableFunc(sorted, func(a, b FolderConfig) int { return a.Priority - b.Priority })
	return sorted
}

// ProgressBackend returns the store configuration for progress.Open.
func (c *Config) ProgressBackend() progress.BackendConfig {
	return progress.BackendConfig{
		Backend: c.Progress.Backend,
		Path:    c.ProgressPath(),
		Redis: progress.RedisOptions{
			Addr:      c.Progress.Redis.Addr,
			Password:  c.Progress.Redis.Password,
			DB:        c.Progress.Redis.DB,
			Namespace: c.Progress.Redis.Namespace,
		},
	}
}

// ProgressTTL returns the lifetime of progress records. A ttlSeconds of zero
// yields a negative duration, which stores records without expiry.
func (c *Config) ProgressTTL() time.Duration {
	if c.Progress.TTLSeconds == 0 {
		return -1
	}
	return time.Duration(c.Progress.TTLSeconds) * time.Second
}

// LogSummary logs the effective configuration.
func (c *Config) LogSummary() {
	folders := make([]string, 0, len(c.Folders))
	for _, f := range c.SortedFolders() {
		folders = append(folders, fmt.Sprintf("%d:%s", f.Priority, f.Folder))
	}
	logArgs := []interface{}{
		"site_root", c.SiteRoot,
		"content_dir", c.ContentPath(),
		"backup_dir", c.BackupPath(),
		"log_level", c.LogLevel,
		"dry_run", c.Runtime.DryRun,
		"metrics", c.Metrics,
		"folders", strings.Join(folders, ","),
		"folder_chunk_size", c.Chunk.FolderChunkSize,
		"site_chunk_size", c.Chunk.SiteChunkSize,
		"progress", fmt.Sprintf("%s (ttl:%ds)", c.Progress.Backend, c.Progress.TTLSeconds),
		"compression_level", c.Compression.Level,
		"buffer_size_kb", c.Compression.BufferSizeKB,
		"delete_workers", c.Engine.DeleteWorkers,
	}
	if names := c.ExcludeNames(); len(names) > 0 {
		logArgs = append(logArgs, "exclude_names", strings.Join(names, ", "))
	}
	if paths := c.UserExcludePaths(); len(paths) > 0 {
		logArgs = append(logArgs, "exclude_paths", strings.Join(paths, ", "))
	}
	if len(c.Hooks.PreBackup) > 0 {
		logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
	}
	if len(c.Hooks.PostBackup) > 0 {
		logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
	}
	plog.Info("Backup summary", logArgs...)
}

// MergeConfigWithFlags overlays explicitly set command line flags onto base.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "site-root":
			merged.SiteRoot = value.(string)
		case "content-dir":
			merged.ContentDir = value.(string)
		case "backup-dir":
			merged.BackupDir = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "metrics":
			merged.Metrics = value.(bool)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "folder-chunk-size":
			merged.Chunk.FolderChunkSize = value.(int)
		case "site-chunk-size":
			merged.Chunk.SiteChunkSize = value.(int)
		case "user-exclude-names":
			merged.Exclusions.UserNames = value.([]string)
		case "user-exclude-paths":
			merged.Exclusions.UserPaths = value.([]string)
		case "date-format":
			merged.Naming.DateFormat = value.(string)
		case "progress-backend":
			merged.Progress.Backend = value.(string)
		case "progress-path":
			merged.Progress.Path = value.(string)
		case "progress-ttl-seconds":
			merged.Progress.TTLSeconds = value.(int)
		case "redis-addr":
			merged.Progress.Redis.Addr = value.(string)
		case "redis-db":
			merged.Progress.Redis.DB = value.(int)
		case "compression-level":
			if level, err := chunkarchive.ParseLevel(value.(string)); err == nil {
				merged.Compression.Level = level
			} else {
				plog.Warn("Ignoring invalid compression level", "value", value, "error", err)
			}
		case "buffer-size-kb":
			merged.Compression.BufferSizeKB = value.(int)
		case "cron":
			switch command {
			case flagparse.Schedule, flagparse.Init:
				merged.Schedule.Cron = value.(string)
			default:
			}
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "fail-fast":
			merged.Hooks.FailFast = value.(bool)
		case "delete-workers":
			merged.Engine.DeleteWorkers = value.(int)
		case "config", "force", "default":
			// Handled by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
