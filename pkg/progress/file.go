package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

const fileStoreSuffix = ".json.gz"

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// fileEnvelope is the on-disk form of a record.
type fileEnvelope struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	Record    *Record   `json:"record"`
}

// FileStore keeps one gzip-compressed JSON file per key in a directory.
// Writes go to a temp file that is renamed over the target, so a reader
// never observes a partially written record.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates dir if needed and returns a store rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create progress directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if !validKey.MatchString(key) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid progress key %q", key)
	}
	return filepath.Join(s.dir, key+fileStoreSuffix), nil
}

func (s *FileStore) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: err}
	}
	p, err := s.path(key)
	if err != nil {
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: err}
	}

	env, err := readEnvelope(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: err}
	}
	if !env.ExpiresAt.IsZero() && s.now().After(env.ExpiresAt) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove expired progress record", "path", p, "error", err)
		}
		return nil, ErrNotFound
	}
	if env.Record == nil {
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: errors.New("record body is empty")}
	}
	return env.Record, nil
}

func readEnvelope(p string) (fileEnvelope, error) {
	f, err := os.Open(p)
	if err != nil {
		return fileEnvelope{}, err
	}
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		return fileEnvelope{}, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()

	var env fileEnvelope
	if err := json.NewDecoder(zr).Decode(&env); err != nil {
		return fileEnvelope{}, fmt.Errorf("failed to decode progress record: %w", err)
	}
	return env, nil
}

func (s *FileStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return &backuperr.StoreUnavailableError{Op: "set", Key: key, Err: err}
	}
	p, err := s.path(key)
	if err != nil {
		return &backuperr.StoreUnavailableError{Op: "set", Key: key, Err: err}
	}

	env := fileEnvelope{Key: key, Record: rec}
	if ttl > 0 {
		env.ExpiresAt = s.now().Add(ttl).UTC()
	}
	if err := writeEnvelopeAtomic(p, env); err != nil {
		return &backuperr.StoreUnavailableError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func writeEnvelopeAtomic(p string, env fileEnvelope) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		// Expected to fail with "not exist" after a successful rename.
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary progress file", "path", tmp.Name(), "error", err)
		}
	}()

	zw := pgzip.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(env); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("failed to encode progress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush gzip stream: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return &backuperr.StoreUnavailableError{Op: "delete", Key: key, Err: err}
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return &backuperr.StoreUnavailableError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &backuperr.StoreUnavailableError{Op: "delete-prefix", Key: prefix, Err: err}
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileStoreSuffix) || !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, &backuperr.StoreUnavailableError{Op: "delete-prefix", Key: prefix, Err: errors.Join(errs...)}
	}
	return removed, nil
}

func (s *FileStore) Close() error { return nil }
