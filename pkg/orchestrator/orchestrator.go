// Package orchestrator plans and drives the archive jobs of a site backup.
//
// A site backup consists of one job per configured folder, ordered by priority,
// followed by a sweep of everything else under the site root. Each job is
// advanced by the chunk archiver until its progress record reaches 100.
//
// Two levels of idempotence apply. The orchestrator treats an archive on disk
// without an unfinished progress record as complete and never reopens it; the
// archiver resumes a job that is still in flight from its progress record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
	"github.com/paulschiretz/pgl-sitebackup/pkg/chunkarchive"
	"github.com/paulschiretz/pgl-sitebackup/pkg/config"
	"github.com/paulschiretz/pgl-sitebackup/pkg/exclusion"
	"github.com/paulschiretz/pgl-sitebackup/pkg/hook"
	"github.com/paulschiretz/pgl-sitebackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/preflight"
	"github.com/paulschiretz/pgl-sitebackup/pkg/progress"
)

// Archiver advances archive jobs chunk by chunk. *chunkarchive.Archiver implements it.
type Archiver interface {
	RunChunk(ctx context.Context, job chunkarchive.Job) (chunkarchive.ChunkResult, error)
}

// HookRunner executes the hook commands of a phase. *hook.HookExecutor implements it.
type HookRunner interface {
	Run(ctx context.Context, phase hook.Phase, p *hook.Plan) error
}

// Folder is a dedicated archive job.
type Folder struct {
	Priority int
	// Path is the absolute source directory.
	Path string
}

// Config holds the resolved settings of an Orchestrator. All paths are absolute.
type Config struct {
	SiteRoot   string
	ContentDir string
	BackupDir  string
	// ProgressPath is excluded from the site sweep when the progress backend lives on disk.
	ProgressPath string

	Folders         []Folder
	FolderChunkSize int
	SiteChunkSize   int

	ExcludeNames     []string
	UserExcludePaths []string

	DateFormat string
	OthersName string

	DeleteWorkers int
	DryRun        bool
	Hooks         *hook.Plan

	// Now returns the time used for archive names. Defaults to time.Now.
	Now func() time.Time
}

// NewConfig derives the orchestrator settings from a validated application config.
func NewConfig(c config.Config) Config {
	folders := make([]Folder, 0, len(c.Folders))
	for _, f := range c.SortedFolders() {
		folders = append(folders, Folder{Priority: f.Priority, Path: c.FolderPath(f.Folder)})
	}
	var progressPath string
	if c.Progress.Backend == progress.BackendFile || c.Progress.Backend == progress.BackendSQLite {
		progressPath = c.ProgressPath()
	}
	return Config{
		SiteRoot:         c.SiteRoot,
		ContentDir:       c.ContentPath(),
		BackupDir:        c.BackupPath(),
		ProgressPath:     progressPath,
		Folders:          folders,
		FolderChunkSize:  c.Chunk.FolderChunkSize,
		SiteChunkSize:    c.Chunk.SiteChunkSize,
		ExcludeNames:     c.ExcludeNames(),
		UserExcludePaths: c.UserExcludePaths(),
		DateFormat:       c.Naming.DateFormat,
		OthersName:       c.Naming.OthersName,
		DeleteWorkers:    c.Engine.DeleteWorkers,
		DryRun:           c.Runtime.DryRun,
		Hooks: &hook.Plan{
			Enabled:            len(c.Hooks.PreBackup) > 0 || len(c.Hooks.PostBackup) > 0,
			PreBackupCommands:  c.Hooks.PreBackup,
			PostBackupCommands: c.Hooks.PostBackup,
			Env:                []string{"PGL_SITEBACKUP_SITE_ROOT=" + c.SiteRoot, "PGL_SITEBACKUP_BACKUP_DIR=" + c.BackupPath()},
			DryRun:             c.Runtime.DryRun,
			FailFast:           c.Hooks.FailFast,
		},
	}
}

// JobKind distinguishes folder jobs from the site sweep.
type JobKind string

const (
	KindFolder JobKind = "folder"
	KindSite   JobKind = "site"
)

// Job is one planned archive job.
type Job struct {
	Name     string
	Kind     JobKind
	Priority int
	chunkarchive.Job
}

// Orchestrator drives the archive jobs of one site.
type Orchestrator struct {
	cfg      Config
	store    progress.Store
	archiver Archiver
	hooks    HookRunner

	stepGroup singleflight.Group
}

// New returns an Orchestrator. hooks may be nil.
func New(cfg Config, store progress.Store, archiver Archiver, hooks HookRunner) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeleteWorkers < 1 {
		cfg.DeleteWorkers = 1
	}
	if cfg.OthersName == "" {
		cfg.OthersName = "others"
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = "2006-01-02"
	}
	cfg.Folders = slices.Clone(cfg.Folders)
	slices.SortStableFunc(cfg.Folders, func(a, b Folder) int { return a.Priority - b.Priority })
	return &Orchestrator{cfg: cfg, store: store, archiver: archiver, hooks: hooks}
}

// Jobs returns the planned jobs: folders by ascending priority, then the site sweep.
func (o *Orchestrator) Jobs() []Job {
	date := o.cfg.Now().Format(o.cfg.DateFormat)
	names := o.cfg.ExcludeNames
	userPaths := o.cfg.UserExcludePaths

	jobs := make([]Job, 0, len(o.cfg.Folders)+1)
	folderPaths := make([]string, 0, len(o.cfg.Folders))
	for _, f := range o.cfg.Folders {
		folderPaths = append(folderPaths, f.Path)
		base := filepath.Base(f.Path)
		jobs = append(jobs, Job{
			Name:     base,
			Kind:     KindFolder,
			Priority: f.Priority,
			Job: chunkarchive.Job{
				Key:         progress.FolderKey(f.Path),
				Root:        f.Path,
				ArchivePath: filepath.Join(o.cfg.BackupDir, archiveName(base, date)),
				ChunkBudget: o.cfg.FolderChunkSize,
				Exclusions: exclusion.Policy{
					Prefixes: nonEmpty(append([]string{o.cfg.BackupDir, o.cfg.ProgressPath}, userPaths...)),
					Names:    names,
				},
			},
		})
	}

	sitePrefixes := exclusion.DefaultSitePrefixes(o.cfg.ContentDir, o.cfg.BackupDir)
	sitePrefixes = append(sitePrefixes, folderPaths...)
	sitePrefixes = append(sitePrefixes, userPaths...)
	sitePrefixes = append(sitePrefixes, o.cfg.ProgressPath)
	jobs = append(jobs, Job{
		Name: o.cfg.OthersName,
		Kind: KindSite,
		Job: chunkarchive.Job{
			Key:         progress.SiteKey,
			Root:        o.cfg.SiteRoot,
			ArchivePath: filepath.Join(o.cfg.BackupDir, archiveName(o.cfg.OthersName, date)),
			ChunkBudget: o.cfg.SiteChunkSize,
			Exclusions:  exclusion.Policy{Names: names}.Merge(exclusion.Policy{Prefixes: nonEmpty(sitePrefixes)}),
		},
	})
	return jobs
}

func archiveName(base, date string) string {
	return base + "-" + date + ".zip"
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// State is the outcome or current state of a job.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in-progress"
	StateComplete   State = "complete"
	StateSkipped    State = "skipped"
	StateBusy       State = "busy"
	StateFailed     State = "failed"
)

// JobReport describes what happened to one job during RunFullBackup.
type JobReport struct {
	Job    Job
	State  State
	Chunks int
	Files  int
	Reason string
	Err    error
}

// Report summarizes a RunFullBackup call.
type Report struct {
	Jobs []JobReport
}

// Failed returns the reports of failed jobs.
func (r Report) Failed() []JobReport {
	var failed []JobReport
	for _, j := range r.Jobs {
		if j.State == StateFailed {
			failed = append(failed, j)
		}
	}
	return failed
}

// RunFullBackup runs every job to completion. A failed job is reported and does not
// stop the jobs after it; the returned error joins all job errors.
func (o *Orchestrator) RunFullBackup(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if !o.cfg.DryRun {
		if err := preflight.CheckTargetWritable(o.cfg.BackupDir, true); err != nil {
			return Report{}, fmt.Errorf("preflight failed: %w", err)
		}
	}

	if err := o.runHooks(ctx, hook.PreBackup); err != nil {
		errMsg := "pre-backup hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-backup hook canceled"
		}
		return Report{}, fmt.Errorf("%s: %w", errMsg, err)
	}
	defer func() {
		if err := o.runHooks(ctx, hook.PostBackup); err != nil {
			if errors.Is(err, context.Canceled) {
				plog.Info("post-backup hooks skipped due to cancellation.")
			} else {
				plog.Warn("post-backup hook failed", "error", err)
			}
		}
	}()

	plog.Info("Starting site backup", "site_root", o.cfg.SiteRoot, "backup_dir", o.cfg.BackupDir, "dry_run", o.cfg.DryRun)

	var report Report
	var errs []error
	for _, job := range o.Jobs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		jr := o.runJob(ctx, job)
		report.Jobs = append(report.Jobs, jr)
		if jr.Err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, jr.Err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		plog.Warn("Site backup finished with errors", "failed", len(report.Failed()))
		return report, err
	}
	plog.Info("Site backup completed")
	return report, nil
}

// runJob reconciles job with the disk and loops chunks until it is complete.
func (o *Orchestrator) runJob(ctx context.Context, job Job) JobReport {
	jr := JobReport{Job: job}

	d := o.reconcile(ctx, job)
	o.applyDecision(ctx, job, d)
	switch d.state {
	case StateSkipped, StateComplete:
		jr.State, jr.Reason = d.state, d.reason
		plog.Info("Skipping archive job", "job", job.Name, "state", d.state, "reason", d.reason)
		return jr
	}

	if o.cfg.DryRun {
		jr.State, jr.Reason = d.state, "dry run"
		plog.Info("[DRY RUN] Would archive", "job", job.Name, "root", job.Root, "archive", job.ArchivePath, "budget", job.ChunkBudget)
		return jr
	}

	plog.Info("Archiving", "job", job.Name, "root", job.Root, "archive", job.ArchivePath, "state", d.state)
	for {
		if err := ctx.Err(); err != nil {
			jr.State, jr.Err = StateFailed, err
			return jr
		}
		res, err := o.archiver.RunChunk(ctx, job.Job)
		if err != nil {
			var lockErr *lockfile.ErrLockActive
			if errors.As(err, &lockErr) {
				plog.Warn("Archive job is already running, skipping", "job", job.Name, "details", lockErr.Error())
				jr.State, jr.Reason = StateBusy, lockErr.Error()
				return jr
			}
			plog.Error("Archive chunk failed", "job", job.Name, "archive", job.ArchivePath, "error", err)
			jr.State, jr.Err = StateFailed, err
			return jr
		}
		jr.Chunks++
		jr.Files += res.FilesAdded
		if res.Complete {
			o.finishJob(ctx, job)
			jr.State = StateComplete
			return jr
		}
		plog.Debug("Chunk done", "job", job.Name, "files", res.FilesAdded, "percentage", res.Record.Percentage)
	}
}

// finishJob deletes the record of a completed job; the archive alone now marks it complete.
func (o *Orchestrator) finishJob(ctx context.Context, job Job) {
	if err := o.store.Delete(context.WithoutCancel(ctx), job.Key); err != nil {
		plog.Warn("Failed to delete progress of completed job", "job", job.Name, "key", job.Key, "error", err)
	}
	plog.Info("Archive job completed", "job", job.Name, "archive", job.ArchivePath)
}

func (o *Orchestrator) runHooks(ctx context.Context, phase hook.Phase) error {
	if o.hooks == nil {
		return nil
	}
	err := o.hooks.Run(ctx, phase, o.cfg.Hooks)
	if backuperr.IsSkip(err) {
		plog.Debug("No hooks to run", "phase", phase, "reason", err)
		return nil
	}
	return err
}

// StepResult reports what one Step did.
type StepResult struct {
	// Job is the job that was advanced; nil when nothing was left to do.
	Job   *Job
	State State
	Chunk chunkarchive.ChunkResult
	// Done is set when every job is complete after this step.
	Done  bool
}

// Step advances the first unfinished job by exactly one chunk. Concurrent callers
// within one process share a single step.
func (o *Orchestrator) Step(ctx context.Context) (StepResult, error) {
	v, err, shared := o.stepGroup.Do("step", func() (any, error) {
		return o.step(ctx)
	})
	if shared {
		plog.Debug("Joined an in-flight step")
	}
	res, _ := v.(StepResult)
	return res, err
}

func (o *Orchestrator) step(ctx context.Context) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	jobs := o.Jobs()
	started := false
	for i := range jobs {
		job := jobs[i]
		d := o.reconcile(ctx, job)
		o.applyDecision(ctx, job, d)
		switch d.state {
		case StateSkipped:
			continue
		case StateComplete:
			started = true
			continue
		}

		if o.cfg.DryRun {
			plog.Info("[DRY RUN] Would run one chunk", "job", job.Name, "archive", job.ArchivePath, "budget", job.ChunkBudget)
			return StepResult{Job: &job, State: d.state}, nil
		}

		if err := preflight.CheckTargetWritable(o.cfg.BackupDir, true); err != nil {
			return StepResult{Job: &job, State: StateFailed}, fmt.Errorf("preflight failed: %w", err)
		}
		// The first chunk of the first job starts the backup run.
		if !started && d.state == StatePending {
			if err := o.runHooks(ctx, hook.PreBackup); err != nil {
				return StepResult{Job: &job, State: StateFailed}, fmt.Errorf("pre-backup hook failed: %w", err)
			}
		}

		res, err := o.archiver.RunChunk(ctx, job.Job)
		if err != nil {
			var lockErr *lockfile.ErrLockActive
			if errors.As(err, &lockErr) {
				plog.Warn("Archive job is already running, skipping step", "job", job.Name, "details", lockErr.Error())
				return StepResult{Job: &job, State: StateBusy}, nil
			}
			return StepResult{Job: &job, State: StateFailed}, fmt.Errorf("job %s: %w", job.Name, err)
		}
		if res.CheckpointErr != nil {
			plog.Warn("Chunk committed without a persisted checkpoint", "job", job.Name, "error", res.CheckpointErr)
		}

		result := StepResult{Job: &job, State: StateInProgress, Chunk: res}
		if !res.Complete {
			plog.Info("Chunk done", "job", job.Name, "files", res.FilesAdded, "percentage", res.Record.Percentage)
			return result, nil
		}

		o.finishJob(ctx, job)
		result.State = StateComplete
		result.Done = !o.hasUnfinished(ctx, jobs[i+1:])
		if result.Done {
			if err := o.runHooks(ctx, hook.PostBackup); err != nil {
				plog.Warn("post-backup hook failed", "error", err)
			}
		}
		return result, nil
	}
	return StepResult{State: StateComplete, Done: true}, nil
}

func (o *Orchestrator) hasUnfinished(ctx context.Context, jobs []Job) bool {
	for _, job := range jobs {
		switch o.reconcile(ctx, job).state {
		case StateSkipped, StateComplete:
		default:
			return true
		}
	}
	return false
}

// JobStatus is the externally visible progress of a job.
type JobStatus struct {
	Name           string
	Key            string
	ArchivePath    string
	State          State
	Percentage     int
	ProcessedFiles int
	TotalFiles     int
	Reason         string
}

// Status reports the state of every planned job without changing anything.
func (o *Orchestrator) Status(ctx context.Context) ([]JobStatus, error) {
	jobs := o.Jobs()
	statuses := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return statuses, err
		}
		d := o.reconcile(ctx, job)
		st := JobStatus{
			Name:        job.Name,
			Key:         job.Key,
			ArchivePath: job.ArchivePath,
			State:       d.state,
			Reason:      d.reason,
		}
		switch {
		case d.state == StateComplete:
			st.Percentage = 100
		case d.record != nil && !d.discardRecord:
			st.Percentage = d.record.Percentage
			st.ProcessedFiles = d.record.ProcessedFiles
			st.TotalFiles = d.record.TotalFiles
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Progress returns the persisted percentage of the job with key.
// An absent record reads as 0.
func (o *Orchestrator) Progress(ctx context.Context, key string) (int, error) {
	rec, err := o.store.Get(ctx, key)
	if errors.Is(err, progress.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Percentage, nil
}

// exists reports whether path exists; errors other than absence count as existing
// so a flaky stat never restarts a finished job.
func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !os.IsNotExist(err)
}
