package progress

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"
)

// Progress keys. The site core job uses SiteKey; every dedicated folder job uses
// FolderKeyPrefix followed by "_" and the hex MD5 of the folder's absolute path.
const (
	SiteKey         = "pgl_site_core_backup_progress"
	FolderKeyPrefix = "pgl_site_assets_backup_progress"
)

// DefaultTTL is the lifetime of a record that is not refreshed.
const DefaultTTL = time.Hour

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("progress record not found")

// Store is a key/value store for progress records with per-key expiry.
// Errors other than ErrNotFound are *backuperr.StoreUnavailableError.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// Set writes rec under key. A ttl <= 0 stores the record without expiry.
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteByPrefix removes every key starting with prefix and returns how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// FolderKey returns the progress key of the dedicated archive job for folder.
func FolderKey(folder string) string {
	sum := md5.Sum([]byte(folder))
	return FolderKeyPrefix + "_" + hex.EncodeToString(sum[:])
}
