// Package census counts the files and directories a backup job will archive.
package census

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/paulschiretz/pgl-sitebackup/pkg/exclusion"
)

// Totals holds the counts of one tree. The root itself is not counted.
type Totals struct {
	Files int
	Dirs  int
}

// Count walks root and counts every non-excluded directory and file.
// Excluded directories are pruned, so nothing below them is counted.
// Regular files and symlinks count as files; sockets, devices and pipes are ignored.
func Count(ctx context.Context, root string, policy exclusion.Policy) (Totals, error) {
	var totals Totals

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}

		if policy.Excludes(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			totals.Dirs++
		case d.Type().IsRegular(), d.Type()&fs.ModeSymlink != 0:
			totals.Files++
		}
		return nil
	})
	if err != nil {
		return Totals{}, fmt.Errorf("failed to count %s: %w", root, err)
	}
	return totals, nil
}
