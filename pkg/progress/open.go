package progress

import (
	"context"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// BackendConfig selects and configures a store backend.
type BackendConfig struct {
	Backend string
	// Path is the directory of the file backend or the database file of the sqlite backend.
	Path  string
	Redis RedisOptions
}

// Open returns the store described by cfg.
func Open(ctx context.Context, cfg BackendConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendFile, "":
		return NewFileStore(cfg.Path)
	case BackendSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown progress backend %q", cfg.Backend)
	}
}
