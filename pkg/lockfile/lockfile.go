// Package lockfile provides cross-process mutual exclusion for backup jobs.
//
// Each job owns a lock file next to its archive. The file is created with O_EXCL,
// refreshed by a heartbeat while held, and taken over once its heartbeat is older
// than the stale timeout (a crashed holder never releases it).
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

// lockFilePrefix marks lock files as temporary; '~' keeps them out of archive-name globs.
const lockFilePrefix = ".~pgl-sitebackup-"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileName returns the lock file name of the job identified by jobKey.
func FileName(jobKey string) string {
	return lockFilePrefix + unsafeNameChars.ReplaceAllString(jobKey, "_") + ".lock"
}

// LockContent defines the structure of the data written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	JobKey     string    `json:"jobKey"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // Used for takeover race resolution
	AppID      string    `json:"appID"`
}

// ErrLockActive is returned when the job is locked by another live process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	JobKey    string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("job %s is locked by PID %d on host '%s' (App: %s), last updated %s ago",
		e.JobKey, e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process won a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file is empty or not valid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is a held job lock. Release it when the job's chunk is done.
type Lock struct {
	path    string
	content LockContent
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	held    bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
)

// Acquire takes the lock of jobKey inside dirPath.
// It returns (nil, *ErrLockActive) if a live process holds the lock.
func Acquire(ctx context.Context, dirPath, jobKey, appID string) (*Lock, error) {
	absLockFilePath := filepath.Join(dirPath, FileName(jobKey))
	const maxAttempts = 3

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := tryAcquire(absLockFilePath, jobKey, appID)
		if err == nil {
			cleanupTempLockFiles(absLockFilePath)
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		content, readErr := readLockContentSafely(absLockFilePath)
		switch {
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", absLockFilePath, "error", readErr)
		case errors.Is(readErr, os.ErrNotExist):
			// Released between our create attempt and the read.
			continue
		case readErr != nil:
			time.Sleep(100 * time.Millisecond)
			continue
		default:
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					JobKey:    jobKey,
					AppID:     content.AppID,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Found stale job lock, attempting takeover", "job", jobKey, "pid", content.PID, "age", elapsed)
		}

		lock, takeoverErr := attemptStaleLockTakeover(absLockFilePath, jobKey, appID)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition", "job", jobKey)
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "job", jobKey, "error", takeoverErr)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		cleanupTempLockFiles(absLockFilePath)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock for job %s after %d attempts (contention)", jobKey, maxAttempts)
}

func newContent(jobKey, appID string) (LockContent, error) {
	nonce, err := generateNonce()
	if err != nil {
		return LockContent{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		JobKey:     jobKey,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		AppID:      appID,
	}, nil
}

// tryAcquire creates the lock file with O_EXCL, so only one process can succeed.
func tryAcquire(absLockFilePath, jobKey, appID string) (*Lock, error) {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	l := &Lock{path: absLockFilePath, held: true}
	content, err := newContent(jobKey, appID)
	if err == nil {
		err = writeLockContent(f, content)
	}
	if err != nil {
		l.cleanup()
		return nil, err
	}
	l.start(content)
	return l, nil
}

func (l *Lock) start(content LockContent) {
	l.content = content
	l.ctx, l.cancel = context.WithCancel(context.Background())
}

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

// attemptStaleLockTakeover renames fresh content over the stale lock and reads it
// back; the nonce tells us whether our rename was the last one.
func attemptStaleLockTakeover(absLockFilePath, jobKey, appID string) (*Lock, error) {
	content, err := newContent(jobKey, appID)
	if err != nil {
		return nil, err
	}
	if err := updateLockFileAtomic(absLockFilePath, content); err != nil {
		return nil, err
	}

	readback, err := readLockContentSafely(absLockFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID != content.PID || readback.Nonce != content.Nonce {
		return nil, ErrLostRace
	}

	plog.Debug("Took over stale job lock", "job", jobKey)
	l := &Lock{path: absLockFilePath, held: true}
	l.start(content)
	return l, nil
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.beat()
		}
	}
}

// beat refreshes the lock file. Holding mu keeps a beat from recreating a released lock.
func (l *Lock) beat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.content.LastUpdate = time.Now().UTC()
	if err := updateLockFileAtomic(l.path, l.content); err != nil {
		// Keep ticking; the next beat may succeed.
		plog.Warn("Heartbeat failed to update lock file", "path", l.path, "error", err)
	}
}

// updateLockFileAtomic writes content to a temp file in the same directory and
// renames it over the lock, so the lock file is never observed empty.
func updateLockFileAtomic(absLockFilePath string, content LockContent) error {
	tmpF, err := os.CreateTemp(filepath.Dir(absLockFilePath), filepath.Base(absLockFilePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpF.Name(), absLockFilePath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes temp files of crashed takeovers or heartbeats.
// Only files older than the stale timeout are touched.
func cleanupTempLockFiles(absLockFilePath string) {
	pattern := absLockFilePath + ".*.tmp"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely retries reads that see an empty or partial file.
func readLockContentSafely(absLockFilePath string) (LockContent, error) {
	var lastErr, lastCorruptErr error
	for range 3 {
		data, err := os.ReadFile(absLockFilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, err
			}
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastCorruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		if lastCorruptErr = json.Unmarshal(data, &content); lastCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if lastCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
