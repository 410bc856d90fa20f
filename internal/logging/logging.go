// Package logging configures log/slog for the slave processes. Packages take a
// component logger with L at init time; Init later decides where records go.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared across packages.
const (
	KeyComponent  = "component"
	KeyDisplay    = "display"
	KeyVariant    = "variant"
	KeyError      = "error"
	KeyPeerUID    = "peerUid"
	KeyMember     = "member"
	KeyGeneration = "generation"
	KeyState      = "state"
)

// target is the handler all component loggers write through. Swapping it
// redirects loggers that were created before Init.
type target struct {
	h atomic.Pointer[slog.Handler]
}

func (t *target) load() slog.Handler {
	return *t.h.Load()
}

func (t *target) store(h slog.Handler) {
	t.h.Store(&h)
}

// deferredHandler replays its attributes and groups onto the current target
// for every record.
type deferredHandler struct {
	target *target
	ops    []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := h.target.load()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) with(op func(slog.Handler) slog.Handler) *deferredHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &deferredHandler{target: h.target, ops: append(ops, op)}
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var (
	current = newTarget(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	root    = slog.New(&deferredHandler{target: current})
)

func newTarget(h slog.Handler) *target {
	t := &target{}
	t.store(h)
	return t
}

func init() {
	slog.SetDefault(root)
}

// Init selects the output of every logger. format is "text" (default),
// "json" or "journal"; journal falls back to text on out when the journal
// socket is missing. A nil out means stderr.
func Init(format, level string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	lvl := parseLevel(level)
	current.store(newHandler(strings.ToLower(format), lvl, out))
}

func newHandler(format string, lvl slog.Level, out io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.NewJSONHandler(out, opts)
	case "journal":
		if JournalAvailable() {
			return newJournalHandler(lvl)
		}
	}
	return slog.NewTextHandler(out, opts)
}

// L returns the logger of a component.
func L(component string) *slog.Logger {
	return root.With(slog.String(KeyComponent, component))
}

// WithDisplay adds the display correlation fields to logger.
func WithDisplay(logger *slog.Logger, displayID, variant string) *slog.Logger {
	return logger.With(
		slog.String(KeyDisplay, displayID),
		slog.String(KeyVariant, variant),
	)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
