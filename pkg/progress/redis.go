package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace is prepended to every key, e.g. "site1:".
	Namespace string
}

// RedisStore keeps records as JSON strings in Redis, relying on Redis key expiry for the TTL.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to Redis and verifies the connection with a PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, namespace: opts.Namespace}, nil
}

func (s *RedisStore) key(k string) string {
	return s.namespace + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: err}
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, &backuperr.StoreUnavailableError{Op: "get", Key: key, Err: fmt.Errorf("decode record: %w", err)}
	}
	return &rec, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &backuperr.StoreUnavailableError{Op: "set", Key: key, Err: fmt.Errorf("encode record: %w", err)}
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return &backuperr.StoreUnavailableError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return &backuperr.StoreUnavailableError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// DeleteByPrefix scans for matching keys and deletes them in batches.
func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(s.key(prefix)) + "*"

	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, &backuperr.StoreUnavailableError{Op: "delete-prefix", Key: prefix, Err: err}
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, &backuperr.StoreUnavailableError{Op: "delete-prefix", Key: prefix, Err: err}
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// escapeGlob escapes the characters Redis MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
