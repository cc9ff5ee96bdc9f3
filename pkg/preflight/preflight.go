// Package preflight provides the path checks that run before a backup job touches
// anything. Failures are returned as *backuperr.PreconditionError.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

// Check names reported in PreconditionError.Check.
const (
	SourceReadable = "source readable"
	TargetWritable = "target writable"
)

// CheckSourceReadable validates that srcPath is an existing directory whose
// entries can be listed and traversed.
func CheckSourceReadable(srcPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &backuperr.PreconditionError{Check: SourceReadable, Path: srcPath, Err: fmt.Errorf("source directory does not exist: %w", err)}
		}
		return &backuperr.PreconditionError{Check: SourceReadable, Path: srcPath, Err: err}
	}
	if !info.IsDir() {
		return &backuperr.PreconditionError{Check: SourceReadable, Path: srcPath, Err: fmt.Errorf("source path is not a directory")}
	}
	if err := platformCheckReadable(srcPath); err != nil {
		return &backuperr.PreconditionError{Check: SourceReadable, Path: srcPath, Err: err}
	}
	return nil
}

// CheckTargetWritable validates that new files can be created in dir.
// With create set, a missing dir is created first.
func CheckTargetWritable(dir string, create bool) error {
	if create {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return &backuperr.PreconditionError{Check: TargetWritable, Path: dir, Err: fmt.Errorf("failed to create target directory: %w", err)}
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return &backuperr.PreconditionError{Check: TargetWritable, Path: dir, Err: err}
	}
	if !info.IsDir() {
		return &backuperr.PreconditionError{Check: TargetWritable, Path: dir, Err: fmt.Errorf("target path is not a directory")}
	}
	if err := platformCheckWritable(dir); err != nil {
		return &backuperr.PreconditionError{Check: TargetWritable, Path: dir, Err: err}
	}
	return nil
}

// CheckArchiveTarget validates the directory an archive file will be written to.
func CheckArchiveTarget(archivePath string) error {
	return CheckTargetWritable(filepath.Dir(archivePath), false)
}
