package progress

import (
	"strings"
	"testing"
)

func TestUpdatePercentage(t *testing.T) {
	testCases := []struct {
		name      string
		processed int
		total     int
		complete  bool
		want      int
	}{
		{"no dirs", 0, 0, false, 0},
		{"no dirs but complete", 0, 0, true, 100},
		{"quarter", 1, 4, false, 25},
		{"rounds half up", 1, 8, false, 13},
		{"capped before completion", 199, 200, false, 99},
		{"all dirs but walk unfinished", 3, 3, false, 99},
		{"complete", 3, 3, true, 100},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRecord("")
			for i := range tc.processed {
				r.MarkDirProcessed("/d/" + strings.Repeat("x", i+1))
			}
			r.TotalDirs = tc.total
			r.UpdatePercentage(tc.complete)
			if r.Percentage != tc.want {
				t.Errorf("expected %d, got %d", tc.want, r.Percentage)
			}
		})
	}
}

func TestUpdatePercentageNeverDecreases(t *testing.T) {
	r := NewRecord("")
	r.TotalDirs = 2
	r.MarkDirProcessed("/a")
	r.UpdatePercentage(false)
	if r.Percentage != 50 {
		t.Fatalf("expected 50, got %d", r.Percentage)
	}
	// A recount that grew the tree must not move the value backwards.
	r.TotalDirs = 10
	r.UpdatePercentage(false)
	if r.Percentage != 50 {
		t.Errorf("expected percentage to stay at 50, got %d", r.Percentage)
	}
}

func TestDirCursor(t *testing.T) {
	r := NewRecord("")
	r.MarkDirFile("/s/sub", "a.txt")
	if !r.HasDirFile("/s/sub", "a.txt") || r.HasDirFile("/s/sub", "b.txt") {
		t.Fatal("unexpected cursor state")
	}
	if r.HasDirFile("/s/other", "a.txt") {
		t.Error("cursor must only apply to its own directory")
	}

	r.EnterDir("/s/other")
	if r.HasDirFile("/s/sub", "a.txt") {
		t.Error("entering another directory must reset the cursor")
	}

	r.MarkDirFile("/s/other", "c.txt")
	r.MarkDirProcessed("/s/other")
	if r.CurrentDir != "" || r.CurrentDirFiles != nil {
		t.Error("processing the current directory must clear the cursor")
	}
	r.MarkDirProcessed("/s/other")
	if len(r.ProcessedDirs) != 1 {
		t.Errorf("expected no duplicate processed dirs, got %v", r.ProcessedDirs)
	}
}

func TestRootFiles(t *testing.T) {
	r := NewRecord("")
	r.MarkRootFile("a.txt")
	r.MarkRootFile("a.txt")
	if !r.HasRootFile("a.txt") || r.HasRootFile("b.txt") || len(r.RootFiles) != 1 {
		t.Fatalf("unexpected root file state: %v", r.RootFiles)
	}
	r.FinishRootFiles()
	if !r.HasRootFile("anything") || r.RootFiles != nil {
		t.Error("finished root pass must report every root file as done")
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := NewRecord("/x.zip")
	r.MarkDirProcessed("/a")
	c := r.Clone()
	c.MarkDirProcessed("/b")
	if r.IsDirProcessed("/b") {
		t.Error("mutating the clone leaked into the original")
	}
	if (*Record)(nil).Clone() != nil {
		t.Error("clone of nil must be nil")
	}
}

func TestFolderKey(t *testing.T) {
	k := FolderKey("/site/wp-content/plugins")
	if !strings.HasPrefix(k, FolderKeyPrefix+"_") || len(k) != len(FolderKeyPrefix)+1+32 {
		t.Errorf("unexpected folder key %q", k)
	}
	if FolderKey("/site/wp-content/plugins") != k || FolderKey("/site/wp-content/themes") == k {
		t.Error("folder keys must be stable and distinct")
	}
}
