// Package audit keeps the login history of a seat as a tamper-evident JSONL
// file. Each record carries the SHA-256 hash of its predecessor.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/config"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("audit")

// Event types of the login history.
const (
	EventSlaveStart     = "slave_start"
	EventSlaveStop      = "slave_stop"
	EventLoginFailed    = "login_failed"
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventUserMigrated   = "user_migrated"
	EventLogRotated     = "log_rotated"
)

// syncedEvents are flushed to disk before Log returns.
var syncedEvents = map[string]bool{
	EventLoginFailed:    true,
	EventSessionStarted: true,
	EventSessionEnded:   true,
}

const (
	genesisHash = "genesis"
	brokenHash  = "chain-broken"
)

// Entry is a single record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Display   string         `json:"display,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends records to the history file. When the file grows past its
// limit it is rotated and the new file starts with an EventLogRotated entry
// linking to the last record of the old one.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens the history file named by cfg.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("audit: no file configured")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   cfg.File,
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("login history opened", "path", cfg.File)
	return l, nil
}

// Log appends one record. The chain only advances once the write went
// through, so a failed write leaves no gap. Safe on a nil receiver.
func (l *Logger) Log(eventType, display string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Display:   display,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	data, err := l.seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err)
			l.dropped.Add(1)
			return
		}
		// rotation moved the chain on
		entry.PrevHash = l.prevHash
		if data, err = l.seal(&entry); err != nil {
			log.Error("failed to encode audit entry", "error", err, "eventType", eventType)
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if syncedEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Warn("failed to sync audit entry", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the history file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns the number of records that could not be written, or
// -1 for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// seal sets entry's hash and returns its encoded line.
func (l *Logger) seal(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations hash
// alike.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Display, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", l.filePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat %s: %w", l.filePath, err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

// rotate shifts the backups, reopens the file and starts it with a
// log_rotated entry chained to the last record of the old file. A sentinel
// that cannot be written marks the chain broken.
func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := os.Remove(l.backupName(l.maxBackups)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit: drop oldest backup", "error", err)
	}
	for i := l.maxBackups - 1; i >= 0; i-- {
		if err := os.Rename(l.backupName(i), l.backupName(i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("audit: shift backup", "index", i, "error", err)
		}
	}
	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	data, err := l.seal(&sentinel)
	if err == nil {
		var n int
		n, err = l.file.Write(data)
		l.written += int64(n)
	}
	if err != nil {
		log.Error("audit: rotation sentinel lost, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = brokenHash
		return nil
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}
