package census

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/paulschiretz/pgl-sitebackup/pkg/exclusion"
)

func createTree(t *testing.T, root string, files []string) {
	t.Helper()
	for _, rel := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if rel[len(rel)-1] == '/' {
			if err := os.MkdirAll(p, 0755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(rel), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCount(t *testing.T) {
	root := t.TempDir()
	createTree(t, root, []string{
		"a.txt",
		"b.txt",
		"sub/c.txt",
		"sub/deep/d.txt",
		"empty/",
		"node_modules/x.js",
		"node_modules/pkg/y.js",
		"cache/page.html",
	})

	policy := exclusion.Policy{
		Prefixes: []string{filepath.Join(root, "cache")},
		Names:    []string{"node_modules"},
	}

	got, err := Count(context.Background(), root, policy)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	want := Totals{Files: 4, Dirs: 3} // sub, sub/deep, empty
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestCountSymlinksAsFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated rights on windows")
	}
	root := t.TempDir()
	createTree(t, root, []string{"target.txt", "dir/"})
	if err := os.Symlink("target.txt", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	// A link to a directory is not followed.
	if err := os.Symlink("dir", filepath.Join(root, "dirlink")); err != nil {
		t.Fatal(err)
	}

	got, err := Count(context.Background(), root, exclusion.Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Files != 3 || got.Dirs != 1 {
		t.Errorf("unexpected totals: %+v", got)
	}
}

func TestCountEmptyAndFullyExcluded(t *testing.T) {
	root := t.TempDir()
	got, err := Count(context.Background(), root, exclusion.Policy{})
	if err != nil || got != (Totals{}) {
		t.Fatalf("expected zero totals for empty tree, got %+v, %v", got, err)
	}

	createTree(t, root, []string{"node_modules/a.js"})
	got, err = Count(context.Background(), root, exclusion.Policy{Names: []string{"node_modules"}})
	if err != nil || got != (Totals{}) {
		t.Fatalf("expected zero totals for fully excluded tree, got %+v, %v", got, err)
	}
}

func TestCountHonoursContext(t *testing.T) {
	root := t.TempDir()
	createTree(t, root, []string{"a/b.txt"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Count(ctx, root, exclusion.Policy{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCountMissingRoot(t *testing.T) {
	if _, err := Count(context.Background(), filepath.Join(t.TempDir(), "nope"), exclusion.Policy{}); err == nil {
		t.Fatal("expected an error for a missing root")
	}
}
