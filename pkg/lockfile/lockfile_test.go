package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

const testJob = "pgl_site_core_backup_progress"

func writeLock(t *testing.T, path string, content LockContent) {
	t.Helper()
	data, _ := json.Marshal(content)
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write lock file: %v", err)
	}
}

// TestAcquireAndRelease verifies the basic functionality of acquiring and releasing a lock.
func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	expectedLockPath := filepath.Join(dir, FileName(testJob))

	lock, err := Acquire(context.Background(), dir, testJob, "test-app")
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}
	if _, err := os.Stat(expectedLockPath); os.IsNotExist(err) {
		t.Fatal("lock file was not created after acquiring lock")
	}

	lock.Release()
	if _, err := os.Stat(expectedLockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("a/b c"); got != ".~pgl-sitebackup-a_b_c.lock" {
		t.Errorf("unexpected lock file name %q", got)
	}
}

// TestContention ensures that a second process cannot acquire an active lock.
func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, testJob, "app-1")
	if err != nil {
		t.Fatalf("Process 1 failed to acquire lock: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), dir, testJob, "app-2")
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected error of type *ErrLockActive, but got %T: %v", err, err)
	}
	if lockErr.AppID != "app-1" || lockErr.JobKey != testJob {
		t.Errorf("unexpected lock error: %+v", lockErr)
	}
}

// TestIndependentJobs ensures locks of different jobs in the same directory don't collide.
func TestIndependentJobs(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, "job-a", "app")
	if err != nil {
		t.Fatal(err)
	}
	defer lock1.Release()

	lock2, err := Acquire(context.Background(), dir, "job-b", "app")
	if err != nil {
		t.Fatalf("expected a different job to be lockable, got: %v", err)
	}
	lock2.Release()
}

// TestStaleLockCleanup verifies that a stale lock can be acquired.
func TestStaleLockCleanup(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, FileName(testJob))

	writeLock(t, lockPath, LockContent{
		PID:        12345,
		Hostname:   "stale-host",
		LastUpdate: time.Now().Add(-(staleTimeout + time.Minute)),
		Nonce:      "stale-nonce",
		AppID:      "stale-app",
	})

	lock, err := Acquire(context.Background(), dir, testJob, "new-app")
	if err != nil {
		t.Fatalf("failed to acquire stale lock: %v", err)
	}
	defer lock.Release()

	content, err := readLockContentSafely(lockPath)
	if err != nil {
		t.Fatalf("failed to read content of newly acquired lock: %v", err)
	}
	if content.AppID != "new-app" || content.JobKey != testJob {
		t.Errorf("unexpected lock content after takeover: %+v", content)
	}
}

// TestCorruptLockIsTakenOver verifies that an unreadable lock does not block the job forever.
func TestCorruptLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, FileName(testJob))
	if err := os.WriteFile(lockPath, []byte("{corrupt"), util.UserWritableFilePerms); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(context.Background(), dir, testJob, "app")
	if err != nil {
		t.Fatalf("expected takeover of corrupt lock, got: %v", err)
	}
	lock.Release()
}

// TestHeartbeatEffect ensures an active lock with a heartbeat is not considered stale.
func TestHeartbeatEffect(t *testing.T) {
	originalHeartbeat := heartbeatInterval
	originalStale := staleTimeout
	heartbeatInterval = 50 * time.Millisecond
	staleTimeout = 3 * heartbeatInterval
	t.Cleanup(func() {
		heartbeatInterval = originalHeartbeat
		staleTimeout = originalStale
	})

	dir := t.TempDir()
	lock1, err := Acquire(context.Background(), dir, testJob, "app-1")
	if err != nil {
		t.Fatalf("failed to acquire initial lock: %v", err)
	}
	defer lock1.Release()

	// Longer than the stale timeout; only the heartbeat keeps the lock fresh.
	time.Sleep(staleTimeout + 50*time.Millisecond)

	_, err = Acquire(context.Background(), dir, testJob, "app-2")
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected ErrLockActive, but got %T: %v", err, err)
	}
}

// TestReleaseIdempotency verifies that calling Release multiple times is safe.
func TestReleaseIdempotency(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(context.Background(), dir, testJob, "test-app")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	lock.Release()
	lock.Release()

	if _, err := os.Stat(filepath.Join(dir, FileName(testJob))); !os.IsNotExist(err) {
		t.Fatal("lock file still exists after multiple releases")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, t.TempDir(), testJob, "app"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestReadLockContentSafely tests the retry logic for reading a lock file.
func TestReadLockContentSafely(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	t.Run("Reads valid file", func(t *testing.T) {
		writeLock(t, lockPath, LockContent{PID: 1, AppID: "valid", Nonce: "abc"})
		got, err := readLockContentSafely(lockPath)
		if err != nil {
			t.Fatalf("failed to read valid content: %v", err)
		}
		if got.AppID != "valid" {
			t.Errorf("expected AppID 'valid', got '%s'", got.AppID)
		}
	})

	t.Run("Fails on persistently empty file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte{}, util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		if _, err := readLockContentSafely(lockPath); !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Fails on persistently corrupt file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte("{corrupt"), util.UserWritableFilePerms); err != nil {
			t.Fatal(err)
		}
		if _, err := readLockContentSafely(lockPath); !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Missing file is reported as not exist", func(t *testing.T) {
		if _, err := readLockContentSafely(lockPath + ".missing"); !os.IsNotExist(err) {
			t.Errorf("expected a not-exist error, got: %v", err)
		}
	})
}

func TestCleanupTempLockFiles(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")

	oldTempPath := filepath.Join(dir, "test.lock.123.tmp")
	if err := os.WriteFile(oldTempPath, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-(staleTimeout + time.Minute))
	if err := os.Chtimes(oldTempPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}
	newTempPath := filepath.Join(dir, "test.lock.456.tmp")
	if err := os.WriteFile(newTempPath, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	cleanupTempLockFiles(lockPath)

	if _, err := os.Stat(oldTempPath); !os.IsNotExist(err) {
		t.Error("expected old temporary file to be deleted, but it still exists")
	}
	if _, err := os.Stat(newTempPath); err != nil {
		t.Errorf("expected new temporary file to be kept: %v", err)
	}
}
