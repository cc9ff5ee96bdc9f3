package archivemetrics

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
)

func TestArchiveMetrics_Adders(t *testing.T) {
	m := &ArchiveMetrics{}

	m.AddChunksRun(3)
	m.AddChunksFailed(1)
	m.AddFilesAdded(40)
	m.AddDirsAdded(4)
	m.AddDuplicatesSkipped(2)
	m.AddBytesRead(1000)
	m.AddBytesWritten(500)

	if got := m.ChunksRun.Load(); got != 3 {
		t.Errorf("expected ChunksRun to be 3, got %d", got)
	}
	if got := m.ChunksFailed.Load(); got != 1 {
		t.Errorf("expected ChunksFailed to be 1, got %d", got)
	}
	if got := m.FilesAdded.Load(); got != 40 {
		t.Errorf("expected FilesAdded to be 40, got %d", got)
	}
	if got := m.DirsAdded.Load(); got != 4 {
		t.Errorf("expected DirsAdded to be 4, got %d", got)
	}
	if got := m.DuplicatesSkipped.Load(); got != 2 {
		t.Errorf("expected DuplicatesSkipped to be 2, got %d", got)
	}
	if got := m.BytesRead.Load(); got != 1000 {
		t.Errorf("expected BytesRead to be 1000, got %d", got)
	}
	if got := m.BytesWritten.Load(); got != 500 {
		t.Errorf("expected BytesWritten to be 500, got %d", got)
	}
}

func TestArchiveMetrics_Log(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	plog.SetLevel(plog.LevelInfo)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) }) // Restore original output after test.

	m := &ArchiveMetrics{}
	m.AddFilesAdded(10)
	m.AddBytesRead(2048)
	m.LogSummary("Test Archive Summary")

	output := logBuf.String()
	for _, want := range []string{
		`msg="Test Archive Summary"`,
		"files_added=10",
		`bytes_read="2.0 KiB"`,
		"read_bytes_exact=2048",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %s, got: %s", want, output)
		}
	}
}

func TestArchiveMetrics_Progress(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	plog.SetLevel(plog.LevelInfo)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &ArchiveMetrics{}
	m.StartProgress("tick", 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	m.StopProgress()
	// A second stop must be harmless.
	m.StopProgress()
}

func TestNoopMetrics(t *testing.T) {
	var m Metrics = &NoopMetrics{}
	m.AddFilesAdded(1)
	m.StartProgress("noop", time.Millisecond)
	m.StopProgress()
	m.LogSummary("noop")
}
