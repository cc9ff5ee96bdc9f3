package chunkarchive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/paulschiretz/pgl-sitebackup/pkg/archivemetrics"
	"github.com/paulschiretz/pgl-sitebackup/pkg/backuperr"
	"github.com/paulschiretz/pgl-sitebackup/pkg/plog"
	"github.com/paulschiretz/pgl-sitebackup/pkg/pool"
	"github.com/paulschiretz/pgl-sitebackup/pkg/util"
)

// appender adds entries to an existing (or new) zip archive.
//
// Zip files can't be appended to in place without rewriting the central directory,
// so the appender builds the next archive state in a temp file next to the target:
// every existing entry is raw-copied (no recompression), new entries follow, and
// commit renames the temp file over the target. Until commit the previous archive
// is untouched.
type appender struct {
	archivePath string
	tmp         *os.File
	metricW     *metricWriter
	bufW        *bufio.Writer
	zw          *zip.Writer
	names       map[string]struct{}
	buffers     *pool.BufferPool
	buf         *[]byte
	metrics     archivemetrics.Metrics
	done        bool
}

// Wrapper to return flate writer to pool on close
type pooledFlateWriter struct {
	*flate.Writer
	pool *sync.Pool
}

func (w *pooledFlateWriter) Close() error {
	err := w.Writer.Close()
	w.pool.Put(w.Writer)
	return err
}

// metricWriter counts bytes written to the temp archive.
type metricWriter struct {
	w       io.Writer
	metrics archivemetrics.Metrics
}

func (mw *metricWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddBytesWritten(int64(n))
	}
	return
}

var flatePools sync.Map // flate level -> *sync.Pool

func flatePool(level int) *sync.Pool {
	if p, ok := flatePools.Load(level); ok {
		return p.(*sync.Pool)
	}
	p, _ := flatePools.LoadOrStore(level, &sync.Pool{
		New: func() any {
			fw, _ := flate.NewWriter(io.Discard, level)
			return fw
		},
	})
	return p.(*sync.Pool)
}

// CompleteMarker is the zip comment of an archive whose tree was fully written.
const CompleteMarker = "pgl-sitebackup: complete"

// IsMarkedComplete reports whether the archive at archivePath carries CompleteMarker.
func IsMarkedComplete(archivePath string) (bool, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return false, err
	}
	defer zr.Close()
	return zr.Comment == CompleteMarker, nil
}

// isTempOf reports whether name is a temp archive openAppender creates for archivePath.
func isTempOf(name, archivePath string) bool {
	prefix := filepath.Base(archivePath) + "."
	return len(name) > len(prefix)+len(".tmp") && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".tmp")
}

// removeStaleTemps deletes temp archives left behind by chunks that died before
// commit or abort. The caller must hold the job's lock.
func removeStaleTemps(archivePath string) {
	dir := filepath.Dir(archivePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		plog.Warn("Failed to list archive directory", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isTempOf(e.Name(), archivePath) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		plog.Debug("Removing stale temp archive", "path", p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove stale temp archive", "path", p, "error", err)
		}
	}
}

// openAppender prepares the next archive state of archivePath.
// The copy buffer is taken from buffers and returned on commit or abort.
func openAppender(archivePath string, level Level, buffers *pool.BufferPool, metrics archivemetrics.Metrics) (*appender, error) {
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), filepath.Base(archivePath)+".*.tmp")
	if err != nil {
		return nil, &backuperr.ArchiveIOError{Op: "open", Path: archivePath, Err: fmt.Errorf("failed to create temp archive: %w", err)}
	}

	mw := &metricWriter{w: tmp, metrics: metrics}
	bw := bufio.NewWriterSize(mw, buffers.Size())
	a := &appender{
		archivePath: archivePath,
		tmp:         tmp,
		metricW:     mw,
		bufW:        bw,
		zw:          zip.NewWriter(bw),
		names:       make(map[string]struct{}),
		buffers:     buffers,
		buf:         buffers.Get(),
		metrics:     metrics,
	}
	fp := flatePool(level.flateLevel())
	a.zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		fw := fp.Get().(*flate.Writer)
		fw.Reset(out)
		return &pooledFlateWriter{Writer: fw, pool: fp}, nil
	})

	if err := a.copyExisting(); err != nil {
		a.abort()
		return nil, &backuperr.ArchiveIOError{Op: "open", Path: archivePath, Err: err}
	}
	return a, nil
}

// copyExisting raw-copies every entry of the current archive, if there is one.
func (a *appender) copyExisting() error {
	zr, err := zip.OpenReader(a.archivePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if _, dup := a.names[f.Name]; dup {
			continue
		}
		if err := a.zw.Copy(f); err != nil {
			return fmt.Errorf("failed to copy entry %s: %w", f.Name, err)
		}
		a.names[f.Name] = struct{}{}
	}
	plog.Debug("Loaded existing archive", "path", a.archivePath, "entries", len(zr.File))
	return nil
}

func (a *appender) has(name string) bool {
	_, ok := a.names[name]
	return ok
}

// entries returns the number of entries in the next archive state.
func (a *appender) entries() int {
	return len(a.names)
}

// addDir adds an empty directory entry. name must end with "/".
// It reports false when the entry already existed.
func (a *appender) addDir(name string, info os.FileInfo) (bool, error) {
	if a.has(name) {
		return false, nil
	}
	header := &zip.FileHeader{
		Name:   name,
		Method: zip.Store,
	}
	if info != nil {
		header.Modified = info.ModTime()
		header.SetMode(util.WithUserWritePermission(info.Mode()))
	}
	if _, err := a.zw.CreateHeader(header); err != nil {
		return false, fmt.Errorf("failed to write directory entry %s: %w", name, err)
	}
	a.names[name] = struct{}{}
	return true, nil
}

// addFile adds the file or symlink at absPath under name.
// It reports false when the entry already existed.
func (a *appender) addFile(absPath, name string, info os.FileInfo) (bool, error) {
	if a.has(name) {
		return false, nil
	}

	var err error
	if info.Mode()&os.ModeSymlink != 0 {
		err = a.writeSymlink(absPath, name, info)
	} else {
		err = a.writeFile(absPath, name, info)
	}
	if err != nil {
		return false, err
	}
	a.names[name] = struct{}{}
	return true, nil
}

func (a *appender) writeSymlink(absPath, name string, info os.FileInfo) error {
	linkTarget, err := os.Readlink(absPath)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", absPath, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Store // Symlinks are stored, not compressed.

	w, err := a.zw.CreateHeader(header)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(linkTarget)); err != nil {
		return err
	}
	a.metrics.AddBytesRead(int64(len(linkTarget)))
	return nil
}

func (a *appender) writeFile(absPath, name string, info os.FileInfo) error {
	f, err := secureFileOpen(absPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absPath, err)
	}
	defer f.Close()

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate
	// Restored files stay writable for their owner.
	header.SetMode(util.WithUserWritePermission(info.Mode()))

	w, err := a.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header for %s: %w", name, err)
	}
	n, err := io.CopyBuffer(w, f, *a.buf)
	a.metrics.AddBytesRead(n)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", absPath, err)
	}
	return nil
}

// commit finalises the temp archive and atomically replaces the target with it.
func (a *appender) commit() (retErr error) {
	if a.done {
		return fmt.Errorf("archive %s already committed", a.archivePath)
	}
	defer func() {
		if retErr != nil {
			a.abort()
		}
	}()

	if err := a.zw.Close(); err != nil {
		return fmt.Errorf("zip writer close failed: %w", err)
	}
	if err := a.bufW.Flush(); err != nil {
		return fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := a.tmp.Chmod(util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set archive permissions: %w", err)
	}
	if err := a.tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp archive: %w", err)
	}
	if err := a.tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(a.tmp.Name(), a.archivePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	a.done = true
	a.releaseBuffer()
	return nil
}

// markComplete stamps the archive comment so a finished archive can be told
// apart from a partial one without its progress record.
func (a *appender) markComplete() error {
	return a.zw.SetComment(CompleteMarker)
}

// abort discards the temp archive. It is a no-op after commit.
func (a *appender) abort() {
	if a.done {
		return
	}
	a.done = true
	a.releaseBuffer()
	a.tmp.Close()
	if err := os.Remove(a.tmp.Name()); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove temp archive", "path", a.tmp.Name(), "error", err)
	}
}

func (a *appender) releaseBuffer() {
	a.buffers.Put(a.buf)
	a.buf = nil
}

// secureFileOpen verifies that the file at path is the same one we expected (TOCTOU check).
// This prevents a file from being swapped for a symlink between listing and archiving.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}
	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during backup (TOCTOU): %s", absFilePath)
	}
	return f, nil
}
