package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sitebackup/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool
	Metrics  *bool
	Config   *string
	SiteRoot *string

	// Site layout
	ContentDir *string
	BackupDir  *string

	// Archiving
	FolderChunkSize  *int
	SiteChunkSize    *int
	UserExcludeNames *string
	UserExcludePaths *string
	DateFormat       *string
	CompressionLevel *string
	BufferSizeKB     *int

	// Progress store
	ProgressBackend    *string
	ProgressPath       *string
	ProgressTTLSeconds *int
	RedisAddr          *string
	RedisDB            *int

	// Hooks
	PreBackupHooks  *string
	PostBackupHooks *string
	FailFast        *bool

	// Schedule specific
	Cron *string

	// Cancel specific
	DeleteWorkers *int

	// Init / Cancel
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Metrics = fs.Bool("metrics", false, "Enable detailed performance and file-counting metrics.")
	f.Config = fs.String("config", "", "Path of the config file. Defaults to <site-root>/"+configFileName+".")
	f.SiteRoot = fs.String("site-root", "", "Root directory of the site to back up. (Required unless set in the config)")
}

func registerLayoutFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ContentDir = fs.String("content-dir", "", "Content directory, relative to the site root (default 'wp-content').")
	f.BackupDir = fs.String("backup-dir", "", "Directory the archives are written to (default '<content-dir>/pgl-sitebackups').")
}

func registerProgressFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ProgressBackend = fs.String("progress-backend", "", "Progress store backend: 'file', 'sqlite', 'redis' or 'memory'.")
	f.ProgressPath = fs.String("progress-path", "", "Directory of the file backend or database of the sqlite backend.")
	f.ProgressTTLSeconds = fs.Int("progress-ttl-seconds", 0, "Lifetime of progress records in seconds (0 = no expiry).")
	f.RedisAddr = fs.String("redis-addr", "", "Address of the redis server used by the redis backend.")
	f.RedisDB = fs.Int("redis-db", 0, "Database number used by the redis backend.")
}

func registerArchiveFlags(fs *flag.FlagSet, f *cliFlags) {
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.FolderChunkSize = fs.Int("folder-chunk-size", 0, "Files added per chunk for the folder archives (0 = unbounded).")
	f.SiteChunkSize = fs.Int("site-chunk-size", 0, "Files added per chunk for the site core archive (0 = unbounded).")
	f.UserExcludeNames = fs.String("user-exclude-names", "", "Comma-separated list of file or directory names to exclude everywhere.")
	f.UserExcludePaths = fs.String("user-exclude-paths", "", "Comma-separated list of path prefixes to exclude (relative to the site root).")
	f.DateFormat = fs.String("date-format", "", "Go time layout used for the date part of archive names.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies and compression.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")
	f.FailFast = fs.Bool("fail-fast", false, "Abort the run when a pre-backup hook fails.")
}

func registerCronFlag(fs *flag.FlagSet, f *cliFlags) {
	f.Cron = fs.String("cron", "", "Cron expression of the schedule, e.g. '*/5 * * * *' or '@every 1m'.")
}

func registerDeleteWorkersFlag(fs *flag.FlagSet, f *cliFlags) {
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting archives.")
}

// configFileName mirrors config.ConfigFileName for the help text; config imports this package.
const configFileName = "pgl-sitebackup.config.json"

type commandSpec struct {
	desc     string
	register []func(*flag.FlagSet, *cliFlags)
}

var commandSpecs = map[Command]commandSpec{
	Backup: {
		desc:     "Run every archive job of the site to completion.",
		register: []func(*flag.FlagSet, *cliFlags){registerLayoutFlags, registerArchiveFlags, registerProgressFlags},
	},
	Step: {
		desc:     "Process one chunk of the first unfinished archive job and exit.",
		register: []func(*flag.FlagSet, *cliFlags){registerLayoutFlags, registerArchiveFlags, registerProgressFlags},
	},
	Schedule: {
		desc:     "Run one chunk on every tick of a cron schedule until interrupted.",
		register: []func(*flag.FlagSet, *cliFlags){registerLayoutFlags, registerArchiveFlags, registerProgressFlags, registerCronFlag},
	},
	Status: {
		desc:     "Show the progress of every archive job.",
		register: []func(*flag.FlagSet, *cliFlags){registerLayoutFlags, registerProgressFlags},
	},
	Cancel: {
		desc: "Delete all archives and progress records of the site.",
		register: []func(*flag.FlagSet, *cliFlags){registerLayoutFlags, registerProgressFlags, registerDeleteWorkersFlag,
			func(fs *flag.FlagSet, f *cliFlags) {
				f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
			}},
	},
	Init: {
		desc: "Write a configuration file for the site.",
		register: []func(*flag.FlagSet, *cliFlags){registerLayoutFlags, registerArchiveFlags, registerProgressFlags, registerCronFlag, registerDeleteWorkersFlag,
			func(fs *flag.FlagSet, f *cliFlags) {
				f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
				f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
			}},
	},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the action and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	spec, ok := commandSpecs[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	for _, register := range spec.register {
		register(fs, f)
	}
	fs.Usage = func() {
		printSubcommandUsage(command, spec.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}
	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Only flags explicitly set by the user end up in the map, so they override the config selectively.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "site-root", f.SiteRoot)

	addIfUsed(flagMap, usedFlags, "content-dir", f.ContentDir)
	addIfUsed(flagMap, usedFlags, "backup-dir", f.BackupDir)

	addIfUsed(flagMap, usedFlags, "folder-chunk-size", f.FolderChunkSize)
	addIfUsed(flagMap, usedFlags, "site-chunk-size", f.SiteChunkSize)
	addIfUsed(flagMap, usedFlags, "date-format", f.DateFormat)
	addIfUsed(flagMap, usedFlags, "compression-level", f.CompressionLevel)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)

	addIfUsed(flagMap, usedFlags, "progress-backend", f.ProgressBackend)
	addIfUsed(flagMap, usedFlags, "progress-path", f.ProgressPath)
	addIfUsed(flagMap, usedFlags, "progress-ttl-seconds", f.ProgressTTLSeconds)
	addIfUsed(flagMap, usedFlags, "redis-addr", f.RedisAddr)
	addIfUsed(flagMap, usedFlags, "redis-db", f.RedisDB)

	addIfUsed(flagMap, usedFlags, "fail-fast", f.FailFast)
	addIfUsed(flagMap, usedFlags, "cron", f.Cron)
	addIfUsed(flagMap, usedFlags, "delete-workers", f.DeleteWorkers)
	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing.
	addParsedIfUsed(flagMap, usedFlags, "user-exclude-names", f.UserExcludeNames, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "user-exclude-paths", f.UserExcludePaths, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Chunked, resumable zip backups of a site directory.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Run every archive job to completion\n")
	fmt.Fprintf(fs.Output(), "  step        Process one chunk and exit\n")
	fmt.Fprintf(fs.Output(), "  schedule    Process chunks on a cron schedule\n")
	fmt.Fprintf(fs.Output(), "  status      Show the progress of every archive job\n")
	fmt.Fprintf(fs.Output(), "  cancel      Delete all archives and progress records\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a new configuration\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Chunked, resumable zip backups of a site directory.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseExcludeList parses a comma-separated list of file or directory patterns.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
