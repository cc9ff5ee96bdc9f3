package flagparse

import (
	"testing"
)

// equalSlices is a helper to compare two string slices for equality.
func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func TestParseExcludeList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Mixed Quoted and Unquoted", "a,'b,c',d", []string{"a", "b,c", "d"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Multiple Quoted Items", "'a b','c d'", []string{"a b", "c d"}},
		{"Double Quoted Item with Spaces", "\"item with spaces\",b", []string{"item with spaces", "b"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"a \"b\" c", "d"}},
		{"Nested Quotes 2", "\"it's a test\",d", []string{"it's a test", "d"}},
		{"Windows Path with Backslashes", `C:\Users\Test,D:\Data`, []string{`C:\Users\Test`, `D:\Data`}},
		{"Unix Path with Slashes", "/home/user/test,/var/log", []string{"/home/user/test", "/var/log"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseExcludeList(tc.input)

			// Handle the case where an empty input should result in a nil or empty slice.
			if len(tc.expected) == 0 && len(result) == 0 {
				// This is a pass, so we can return early.
				return
			}

			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParseCmdList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "cmd1,cmd2", []string{"cmd1", "cmd2"}},
		{"Quoted Item with Spaces", "'echo hello',cmd2", []string{"'echo hello'", "cmd2"}},
		{"Quoted Item with Comma", "'echo a,b',c", []string{"'echo a,b'", "c"}},
		{"Unmatched Quote", "'a,b", []string{"'a,b"}},
		{"Multiple Quoted Items", "'a b','c d'", []string{"'a b'", "'c d'"}},
		{"Double Quoted Item with Spaces", "\"item with spaces\",b", []string{"\"item with spaces\"", "b"}},
		{"Mixed Single and Double Quotes", "'a b',\"c,d\",e", []string{"'a b'", "\"c,d\"", "e"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"'a \"b\" c'", "d"}},
		{"Escaped Single Quote Inside Single Quotes", "'hello\\'world',next", []string{"'hello\\'world'", "next"}},
		{"Escaped Double Quote Inside Double Quotes", "\"hello\\\"world\",next", []string{"\"hello\\\"world\"", "next"}},
		{"Escaped Comma Outside Quotes", "a\\,b,c", []string{"a\\,b", "c"}},
		{"Escaped Backslash", "'a\\\\b',c", []string{"'a\\\\b'", "c"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseCmdList(tc.input)

			// Handle the case where an empty input should result in a nil or empty slice.
			if len(tc.expected) == 0 && len(result) == 0 {
				// This is a pass, so we can return early.
				return
			}

			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	for _, name := range []string{"backup", "step", "schedule", "status", "cancel", "init", "version"} {
		cmd, err := ParseCommand(name)
		if err != nil {
			t.Errorf("ParseCommand(%q) failed: %v", name, err)
			continue
		}
		if cmd.String() != name {
			t.Errorf("ParseCommand(%q).String() = %q", name, cmd.String())
		}
	}
	for _, name := range []string{"none", "restore", ""} {
		if _, err := ParseCommand(name); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
}

func TestParse(t *testing.T) {
	t.Run("Only Set Flags Are Returned", func(t *testing.T) {
		cmd, flags, err := Parse([]string{"backup", "-site-root", "/srv/site", "-folder-chunk-size", "25", "-user-exclude-names", ".git,'my dir'"})
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if cmd != Backup {
			t.Fatalf("expected backup, got %s", cmd)
		}
		if len(flags) != 3 {
			t.Errorf("expected 3 flags, got %v", flags)
		}
		if flags["site-root"] != "/srv/site" || flags["folder-chunk-size"] != 25 {
			t.Errorf("unexpected flag values: %v", flags)
		}
		if names := flags["user-exclude-names"].([]string); !equalSlices(names, []string{".git", "my dir"}) {
			t.Errorf("unexpected exclude names: %v", names)
		}
	})

	t.Run("Hooks Keep Quotes", func(t *testing.T) {
		_, flags, err := Parse([]string{"step", "-pre-backup-hooks", "'echo a,b',true"})
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if hooks := flags["pre-backup-hooks"].([]string); !equalSlices(hooks, []string{"'echo a,b'", "true"}) {
			t.Errorf("unexpected hooks: %v", hooks)
		}
	})

	t.Run("Cron Only On Schedule", func(t *testing.T) {
		if _, _, err := Parse([]string{"schedule", "-cron", "@every 1m"}); err != nil {
			t.Errorf("schedule -cron failed: %v", err)
		}
		if _, _, err := Parse([]string{"backup", "-cron", "@every 1m"}); err == nil {
			t.Error("expected backup to reject -cron")
		}
	})

	t.Run("Force On Cancel", func(t *testing.T) {
		cmd, flags, err := Parse([]string{"cancel", "-force"})
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if cmd != Cancel || flags["force"] != true {
			t.Errorf("unexpected result %s %v", cmd, flags)
		}
	})

	t.Run("Version Takes No Flags", func(t *testing.T) {
		cmd, flags, err := Parse([]string{"version"})
		if err != nil || cmd != Version || flags != nil {
			t.Errorf("unexpected result %s %v %v", cmd, flags, err)
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		if _, _, err := Parse([]string{"restore"}); err == nil {
			t.Error("expected error for unknown command")
		}
	})

	t.Run("Stray Arguments", func(t *testing.T) {
		if _, _, err := Parse([]string{"status", "extra"}); err == nil {
			t.Error("expected error for stray arguments")
		}
	})
}
