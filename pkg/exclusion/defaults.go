package exclusion

import "path/filepath"

// Directories under the content directory that never belong in the site core archive.
// uploads, plugins and themes have their own dedicated archives.
var defaultContentExcludes = []string{
	"uploads",
	"plugins",
	"themes",
	"cache",
	"ai1wm-backups",
	"upgrade",
	"upgrade-temp-backup",
}

// DefaultNames returns the basenames excluded from every job.
func DefaultNames() []string {
	return []string{"node_modules"}
}

// DefaultSitePrefixes returns the prefixes excluded from the site core sweep.
// contentDir and backupDir must be absolute; an empty backupDir is skipped.
func DefaultSitePrefixes(contentDir, backupDir string) []string {
	prefixes := make([]string, 0, len(defaultContentExcludes)+1)
	if backupDir != "" {
		prefixes = append(prefixes, filepath.Clean(backupDir))
	}
	for _, dir := range defaultContentExcludes {
		prefixes = append(prefixes, filepath.Join(contentDir, dir))
	}
	return prefixes
}
