// Package logging builds the slog logger used by devtoken and provides a
// size-rotating file writer for logging.output file paths.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatedTimeFormat sorts lexically in time order and is fine-grained enough
// that back-to-back rotations do not collide.
const rotatedTimeFormat = "20060102-150405.000000"

// RotatingWriter is an io.WriteCloser that rotates its file by size. Rotated
// files are named <base>-<timestamp><ext>; at most maxBackups are kept and
// any older than maxAge are removed.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

// NewRotatingWriter opens path (creating parent directories and the file if
// needed) for appending.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating first if p would push the file past
// the size limit. A single write larger than the limit still goes to a
// fresh file rather than being split.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(time.Now()); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file. Further writes return os.ErrClosed.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

func (rw *RotatingWriter) base() (dir, prefix, ext string) {
	ext = filepath.Ext(rw.path)
	name := strings.TrimSuffix(filepath.Base(rw.path), ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Dir(rw.path), name + "-", ext
}

func (rw *RotatingWriter) rotate(now time.Time) error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}

	dir, prefix, ext := rw.base()
	rotated := filepath.Join(dir, prefix+now.Format(rotatedTimeFormat)+ext)
	if err := os.Rename(rw.path, rotated); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}

	if err := rw.open(); err != nil {
		return err
	}
	rw.prune(now)
	return nil
}

// prune removes rotated files beyond maxBackups and those older than maxAge.
func (rw *RotatingWriter) prune(now time.Time) {
	dir, prefix, ext := rw.base()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	current := filepath.Base(rw.path)
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name != current && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, name)
		}
	}
	sort.Strings(rotated) // oldest first

	if excess := len(rotated) - rw.maxBackups; excess > 0 {
		for _, name := range rotated[:excess] {
			os.Remove(filepath.Join(dir, name)) //nolint:errcheck
		}
		rotated = rotated[excess:]
	}

	if rw.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-rw.maxAge)
	for _, name := range rotated {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p) //nolint:errcheck
		}
	}
}
