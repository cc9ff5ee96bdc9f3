//go:build windows

package preflight

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// platformCheckReadable opens the directory and reads one entry.
func platformCheckReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("directory is not readable: %w", err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("directory is not readable: %w", err)
	}
	return nil
}

// platformCheckWritable performs a write test, ACLs make permission bits unreliable on windows.
func platformCheckWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".pgl-sitebackup-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(filepath.Clean(name))
	return nil
}
