// Package exclusion decides whether a path is left out of a backup.
//
// Two rule kinds exist: absolute path prefixes and exact basenames. Prefixes are
// plain string prefixes of the cleaned absolute path, not globs, so a prefix of
// "/site/wp-content/cache" also covers "/site/wp-content/cache-old". Names match
// the last path element at any depth ("node_modules" excludes every directory
// or file of that name).
package exclusion

import (
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

// IsExcluded reports whether path lies under one of excludedPrefixes or its
// basename equals one of excludedNames. Empty prefixes and names are ignored;
// an empty prefix would otherwise match every path.
func IsExcluded(path string, excludedPrefixes, excludedNames []string) bool {
	clean := filepath.Clean(path)
	for _, prefix := range excludedPrefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(clean, filepath.Clean(prefix)) {
			return true
		}
	}

	base := filepath.Base(clean)
	for _, name := range excludedNames {
		if name != "" && base == name {
			return true
		}
	}
	return false
}

// Policy is the exclusion set applied to one backup job.
type Policy struct {
	Prefixes []string `json:"prefixes,omitempty"`
	Names    []string `json:"names,omitempty"`
}

// Excludes applies IsExcluded with the policy's rules.
func (p Policy) Excludes(path string) bool {
	return IsExcluded(path, p.Prefixes, p.Names)
}

// Merge returns the deduplicated union of p and other.
func (p Policy) Merge(other Policy) Policy {
	return Policy{
		Prefixes: util.MergeAndDeduplicate(p.Prefixes, other.Prefixes),
		Names:    util.MergeAndDeduplicate(p.Names, other.Names),
	}
}

// IsEmpty reports whether the policy excludes nothing.
func (p Policy) IsEmpty() bool {
	return len(p.Prefixes) == 0 && len(p.Names) == 0
}
