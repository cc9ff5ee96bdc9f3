package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
)

func TestCheckSourceReadable(t *testing.T) {
	t.Run("Happy Path - Source is a directory", func(t *testing.T) {
		if err := CheckSourceReadable(t.TempDir()); err != nil {
			t.Errorf("expected no error for a readable directory, got: %v", err)
		}
	})

	t.Run("Error - Source does not exist", func(t *testing.T) {
		err := CheckSourceReadable(filepath.Join(t.TempDir(), "missing"))
		var pre *backuperr.PreconditionError
		if !errors.As(err, &pre) {
			t.Fatalf("expected a PreconditionError, got: %v", err)
		}
		if pre.Check != SourceReadable || !errors.Is(err, os.ErrNotExist) {
			t.Errorf("unexpected precondition error: %v", err)
		}
	})

	t.Run("Error - Source is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file.txt")
		if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		err := CheckSourceReadable(file)
		if err == nil || !strings.Contains(err.Error(), "not a directory") {
			t.Errorf("expected a 'not a directory' error, got: %v", err)
		}
	})

	t.Run("Error - Source is not readable", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced for this user/platform")
		}
		dir := filepath.Join(t.TempDir(), "locked")
		if err := os.Mkdir(dir, 0000); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.Chmod(dir, 0755) })

		if err := CheckSourceReadable(dir); !backuperr.IsPrecondition(err) {
			t.Errorf("expected a precondition error for an unreadable dir, got: %v", err)
		}
	})
}

func TestCheckTargetWritable(t *testing.T) {
	t.Run("Happy Path - Existing directory", func(t *testing.T) {
		if err := CheckTargetWritable(t.TempDir(), false); err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
	})

	t.Run("Creates missing directory when asked", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		if err := CheckTargetWritable(dir, true); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory to be created, stat err: %v", err)
		}
	})

	t.Run("Error - Missing directory without create", func(t *testing.T) {
		err := CheckTargetWritable(filepath.Join(t.TempDir(), "missing"), false)
		if !backuperr.IsPrecondition(err) {
			t.Errorf("expected a precondition error, got: %v", err)
		}
	})

	t.Run("Error - Read-only directory", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced for this user/platform")
		}
		dir := filepath.Join(t.TempDir(), "ro")
		if err := os.Mkdir(dir, 0555); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.Chmod(dir, 0755) })

		err := CheckTargetWritable(dir, false)
		var pre *backuperr.PreconditionError
		if !errors.As(err, &pre) || pre.Check != TargetWritable {
			t.Errorf("expected a target writable precondition error, got: %v", err)
		}
	})

	t.Run("CheckArchiveTarget checks the parent directory", func(t *testing.T) {
		dir := t.TempDir()
		if err := CheckArchiveTarget(filepath.Join(dir, "x.zip")); err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
		if err := CheckArchiveTarget(filepath.Join(dir, "missing", "x.zip")); err == nil {
			t.Error("expected an error for a missing parent directory")
		}
	})
}
