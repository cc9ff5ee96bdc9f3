package progress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type storeFactory func(t *testing.T, clock func() time.Time) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock func() time.Time) Store {
			s := NewMemoryStore()
			s.now = clock
			return s
		},
		"file": func(t *testing.T, clock func() time.Time) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "progress"))
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			s.now = clock
			return s
		},
		"sqlite": func(t *testing.T, clock func() time.Time) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "progress.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			s.now = clock
			return s
		},
		"redis": func(t *testing.T, clock func() time.Time) Store {
			addr := os.Getenv("PGL_TEST_REDIS_ADDR")
			if addr == "" {
				t.Skip("PGL_TEST_REDIS_ADDR not set")
			}
			s, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr, Namespace: "pgltest:" + t.Name() + ":"})
			if err != nil {
				t.Fatalf("NewRedisStore: %v", err)
			}
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("Get of missing key returns ErrNotFound", func(t *testing.T) {
				s := factory(t, time.Now)
				defer s.Close()
				if _, err := s.Get(ctx, SiteKey); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("Set then Get round-trips the record", func(t *testing.T) {
				s := factory(t, time.Now)
				defer s.Close()

				rec := NewRecord("/b/others-2024-01-01.zip")
				rec.MarkDirProcessed("/site/a")
				rec.ProcessedFiles = 7
				rec.TotalFiles = 10
				rec.TotalDirs = 4
				rec.MarkDirFile("/site/b", "x.txt")
				rec.UpdatePercentage(false)

				if err := s.Set(ctx, SiteKey, rec, time.Hour); err != nil {
					t.Fatalf("Set: %v", err)
				}
				got, err := s.Get(ctx, SiteKey)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if got.ProcessedFiles != 7 || got.Percentage != 25 || !got.IsDirProcessed("/site/a") {
					t.Errorf("unexpected record: %+v", got)
				}
				if !got.HasDirFile("/site/b", "x.txt") {
					t.Error("expected the in-directory cursor to survive the round trip")
				}
				if got.ArchivePath != rec.ArchivePath {
					t.Errorf("expected archive path %q, got %q", rec.ArchivePath, got.ArchivePath)
				}
			})

			t.Run("Delete removes key and tolerates missing keys", func(t *testing.T) {
				s := factory(t, time.Now)
				defer s.Close()
				if err := s.Set(ctx, SiteKey, NewRecord(""), time.Hour); err != nil {
					t.Fatalf("Set: %v", err)
				}
				if err := s.Delete(ctx, SiteKey); err != nil {
					t.Fatalf("Delete: %v", err)
				}
				if _, err := s.Get(ctx, SiteKey); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound after delete, got %v", err)
				}
				if err := s.Delete(ctx, SiteKey); err != nil {
					t.Fatalf("Delete of missing key: %v", err)
				}
			})

			t.Run("DeleteByPrefix only removes matching keys", func(t *testing.T) {
				s := factory(t, time.Now)
				defer s.Close()

				keys := []string{SiteKey, FolderKey("/site/wp-content/plugins"), FolderKey("/site/wp-content/themes")}
				for _, k := range keys {
					if err := s.Set(ctx, k, NewRecord(""), time.Hour); err != nil {
						t.Fatalf("Set(%s): %v", k, err)
					}
				}
				// Would match FolderKeyPrefix if '_' were a wildcard.
				lookalike := "pgl_site_assetsXbackup_progress_x"
				if err := s.Set(ctx, lookalike, NewRecord(""), time.Hour); err != nil {
					t.Fatalf("Set(lookalike): %v", err)
				}

				// Prefixes are case-sensitive on every backend.
				upper := strings.ToUpper(FolderKeyPrefix) + "_x"
				if err := s.Set(ctx, upper, NewRecord(""), time.Hour); err != nil {
					t.Fatalf("Set(upper): %v", err)
				}

				n, err := s.DeleteByPrefix(ctx, FolderKeyPrefix)
				if err != nil {
					t.Fatalf("DeleteByPrefix: %v", err)
				}
				if n != 2 {
					t.Errorf("expected 2 removed keys, got %d", n)
				}
				if _, err := s.Get(ctx, SiteKey); err != nil {
					t.Errorf("expected site key to survive, got %v", err)
				}
				if _, err := s.Get(ctx, lookalike); err != nil {
					t.Errorf("expected lookalike key to survive, got %v", err)
				}
				if _, err := s.Get(ctx, upper); err != nil {
					t.Errorf("expected upper-case key to survive, got %v", err)
				}
				if _, err := s.Get(ctx, keys[1]); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected folder key to be removed, got %v", err)
				}
			})
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories() {
		if name == "redis" {
			continue // Expiry is enforced by the server.
		}
		t.Run(name, func(t *testing.T) {
			now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }
			s := factory(t, clock)
			defer s.Close()

			if err := s.Set(ctx, SiteKey, NewRecord(""), time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, "permanent", NewRecord(""), 0); err != nil {
				t.Fatalf("Set: %v", err)
			}

			now = now.Add(30 * time.Second)
			if _, err := s.Get(ctx, SiteKey); err != nil {
				t.Fatalf("expected record before expiry, got %v", err)
			}

			now = now.Add(time.Minute)
			if _, err := s.Get(ctx, SiteKey); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after expiry, got %v", err)
			}
			if _, err := s.Get(ctx, "permanent"); err != nil {
				t.Fatalf("expected record without ttl to survive, got %v", err)
			}
		})
	}
}

func TestFileStoreRejectsUnsafeKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../escape", "a/b", "", ".."} {
		if err := s.Set(context.Background(), key, NewRecord(""), 0); err == nil {
			t.Errorf("expected key %q to be rejected", key)
		}
	}
}

func TestFileStoreCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, SiteKey+fileStoreSuffix), []byte("not gzip"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = s.Get(context.Background(), SiteKey)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a store error for a corrupt record, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	testCases := []struct {
		cfg     BackendConfig
		wantErr bool
	}{
		{cfg: BackendConfig{Backend: BackendMemory}},
		{cfg: BackendConfig{Backend: BackendFile, Path: filepath.Join(dir, "files")}},
		{cfg: BackendConfig{Backend: "", Path: filepath.Join(dir, "default")}},
		{cfg: BackendConfig{Backend: BackendSQLite, Path: filepath.Join(dir, "db", "p.db")}},
		{cfg: BackendConfig{Backend: "etcd"}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.cfg.Backend, func(t *testing.T) {
			s, err := Open(ctx, tc.cfg)
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "unknown progress backend") {
					t.Fatalf("expected unknown backend error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			s.Close()
		})
	}
}
