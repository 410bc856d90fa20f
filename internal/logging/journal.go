package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/coreos/go-systemd/journal"
)

// JournalAvailable reports whether the systemd journal socket can be reached.
func JournalAvailable() bool {
	return journal.Enabled()
}

// journalHandler sends records to the systemd journal. Attributes become
// journal fields with upper-cased names.
type journalHandler struct {
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
	send   func(message string, priority journal.Priority, vars map[string]string) error
}

func newJournalHandler(level slog.Leveler) *journalHandler {
	return &journalHandler{level: level, send: journal.Send}
}

func (h *journalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *journalHandler) Handle(_ context.Context, record slog.Record) error {
	vars := make(map[string]string, len(h.attrs)+record.NumAttrs())
	for _, a := range h.attrs {
		addJournalField(vars, h.prefix, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		addJournalField(vars, h.prefix, a)
		return true
	})
	return h.send(record.Message, journalPriority(record.Level), vars)
}

func (h *journalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &journalHandler{level: h.level, attrs: merged, prefix: h.prefix, send: h.send}
}

func (h *journalHandler) WithGroup(name string) slog.Handler {
	return &journalHandler{level: h.level, attrs: h.attrs, prefix: h.prefix + name + "_", send: h.send}
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

func addJournalField(vars map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		for _, sub := range a.Value.Group() {
			addJournalField(vars, prefix+a.Key+"_", sub)
		}
		return
	}
	vars[journalFieldName(prefix+a.Key)] = fmt.Sprint(a.Value.Any())
}

// journalFieldName maps an attribute key onto the journal's field alphabet
// (upper-case letters, digits and underscores, not starting with an underscore).
func journalFieldName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(unicode.ToUpper(r))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), "_")
	if name == "" {
		return "FIELD"
	}
	return name
}
