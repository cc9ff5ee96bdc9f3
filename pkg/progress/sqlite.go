package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

// SQLiteStore keeps records in a single SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("create progress database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open progress database: %w", err)
	}
	// A single connection serialises writers; chunk invocations are sequential anyway.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate progress database: %w", err)
	}

	plog.Debug("Progress database initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS progress (
			key TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_progress_expires_at ON progress(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		body      string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT record, expires_at FROM progress WHERE key = ?`, key).Scan(&body, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: err}
	}

	if expiresAt > 0 && s.now().UnixNano() > expiresAt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE key = ?`, key); err != nil {
			plog.Warn("Failed to delete expired progress record", "key", key, "error", err)
		}
		return nil, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: fmt.Errorf("decode record: %w", err)}
	}
	return &rec, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &backuperr.StoreUnavailableError{Op: "set", Key: key, Err: fmt.Errorf("encode record: %w", err)}
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixNano()
	}

	query := `
		INSERT INTO progress (key, record, expires_at, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET
			record = excluded.record,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(data), expiresAt); err != nil {
		return &backuperr.StoreUnavailableError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE key = ?`, key); err != nil {
		return &backuperr.StoreUnavailableError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	// A substring comparison is exact and case-sensitive, unlike LIKE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE substr(key, 1, length(?1)) = ?1`, prefix)
	if err != nil {
		return 0, &backuperr.StoreUnavailableError{Op: "delete-prefix", Key: prefix, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &backuperr.StoreUnavailableError{Op: "delete-prefix", Key: prefix, Err: err}
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
