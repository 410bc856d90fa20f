package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultLogSizeMB  = 10
	defaultLogBackups = 5
)

// RotatingWriter appends to a log file and moves it aside to path.1, path.2,
// and so on once it would grow past its size limit. Safe for concurrent use.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int

	f    *os.File
	size int64
}

// NewRotatingWriter opens path for appending, creating its directory.
// Non-positive limits select 10 MB and 5 backups.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultLogSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultLogBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("logging: create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:    path,
		limit:   int64(maxSizeMB) << 20,
		backups: maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("logging: rotate %s: %w", w.path, err)
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Reopen starts writing to a fresh handle on path. Used after an external
// tool moved the file away (SIGHUP).
func (w *RotatingWriter) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.close()
	return w.open()
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.close()
}

func (w *RotatingWriter) close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("logging: stat %s: %w", w.path, err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

// rotate drops the oldest backup, shifts the others up by one and moves the
// live file to path.1.
func (w *RotatingWriter) rotate() error {
	w.close()

	var errs []error
	oldest := w.backupPath(w.backups)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for i := w.backups - 1; i >= 0; i-- {
		err := os.Rename(w.backupPath(i), w.backupPath(i+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	// keep logging even when shifting backups failed
	if err := w.open(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// backupPath returns path for 0 and path.n otherwise.
func (w *RotatingWriter) backupPath(n int) string {
	if n == 0 {
		return w.path
	}
	return fmt.Sprintf("%s.%d", w.path, n)
}
