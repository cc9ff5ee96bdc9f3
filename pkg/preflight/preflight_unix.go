//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// platformCheckReadable asks the kernel whether the effective user may list and enter path.
func platformCheckReadable(path string) error {
	if err := unix.Access(path, unix.R_OK|unix.X_OK); err != nil {
		return fmt.Errorf("directory is not readable: %w", err)
	}
	return nil
}

// platformCheckWritable asks the kernel whether the effective user may create entries in dir.
func platformCheckWritable(dir string) error {
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	return nil
}
