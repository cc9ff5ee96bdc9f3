package util

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{
			name:     "Read-only permission",
			input:    0444, // r--r--r--
			expected: 0644, // rw-r--r--
		},
		{
			name:     "Already has write permission",
			input:    0755, // rwxr-xr-x
			expected: 0755, // rwxr-xr-x (should not change)
		},
		{
			name:     "No permissions",
			input:    0000, // ---------
			expected: 0200, // -w-------
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := WithUserWritePermission(tc.input)
			if result != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, result)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	base := filepath.FromSlash("/srv/site")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	testCases := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty stays empty", in: "", want: ""},
		{name: "whitespace stays empty", in: "   ", want: ""},
		{name: "relative resolves against base", in: "wp-content/cache", want: filepath.Join(base, "wp-content", "cache")},
		{name: "absolute is cleaned", in: filepath.FromSlash("/var/www/../backups/"), want: filepath.FromSlash("/var/backups")},
		{name: "tilde expands to home", in: "~/site", want: filepath.Join(home, "site")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolvePath(base, tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestMergeAndDeduplicate(t *testing.T) {
	got := MergeAndDeduplicate([]string{"a", "b"}, nil, []string{"b", "c", "a"}, []string{"d"})
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if MergeAndDeduplicate() != nil {
		t.Error("expected nil for no input")
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[string]int{"one": 1, "two": 2})
	if inv[1] != "one" || inv[2] != "two" || len(inv) != 2 {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}
