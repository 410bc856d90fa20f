// Package slave drives the display of one login seat: it brings up the X
// server, runs the greeter, walks the login conversation and hands over to
// the user session.
package slave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/audit"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/hooks"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/xserver"
)

// base holds what every variant shares: the X server, connect-to-display
// polling and the end of the controller's life.
type base struct {
	deps Deps
	log  *slog.Logger

	state    State
	started  bool
	server   Server
	attempts int
	connect  eventloop.Timer

	ctx    context.Context
	cancel context.CancelFunc

	// connected runs once the display accepts clients.
	connected func()
	// teardown releases the variant's resources when the controller ends.
	teardown func()

	mu       sync.Mutex
	done     chan struct{}
	err      error
	finished bool
}

func newBase(deps Deps, variant string) base {
	ctx, cancel := context.WithCancel(context.Background())
	return base{
		deps:   deps,
		log:    logging.WithDisplay(logging.L("slave"), deps.Display.ID, variant),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (b *base) State() State {
	return b.state
}

func (b *base) setState(s State) {
	if b.state == s {
		return
	}
	b.log.Info("state change", "from", b.state, logging.KeyState, s)
	b.state = s
}

// Done is closed once the controller has stopped.
func (b *base) Done() <-chan struct{} {
	return b.done
}

// Err returns the fatal error the controller stopped with, if any.
func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) begin() error {
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true
	b.record(audit.EventSlaveStart, nil)
	return nil
}

func (b *base) record(event string, details map[string]any) {
	if b.deps.Audit == nil {
		return
	}
	b.deps.Audit.Log(event, b.deps.Display.Name, details)
}

// startServer starts the X server of a local display. For a remote display
// polling starts right away.
func (b *base) startServer() {
	if !b.deps.Display.IsLocal || b.deps.NewServer == nil {
		b.setState(StateConnectingToDisplay)
		b.scheduleConnect()
		return
	}

	b.setState(StateServerStarting)
	b.server = b.deps.NewServer(b.onServerEvent)
	if err := b.server.Start(); err != nil {
		b.server = nil
		b.fail(fmt.Errorf("%w: %v", ErrServerStart, err))
		return
	}
	b.log.Debug("started X server")
}

func (b *base) onServerEvent(ev xserver.Event) {
	if b.finished {
		return
	}
	switch e := ev.(type) {
	case xserver.Ready:
		b.setState(StateServerReady)
		b.setState(StateConnectingToDisplay)
		b.scheduleConnect()
	case xserver.Exited:
		b.log.Info("X server exited", "code", e.Code)
		b.server = nil
		b.stopped()
	case xserver.Died:
		b.log.Info("X server died", "signal", e.Signal)
		b.server = nil
		b.stopped()
	}
}

func (b *base) scheduleConnect() {
	if b.connect != nil || b.finished {
		return
	}
	b.connect = b.deps.Sched.AfterFunc(b.deps.connectInterval(), func() {
		b.connect = nil
		b.tryConnect()
	})
}

func (b *base) tryConnect() {
	if b.finished {
		return
	}
	b.attempts++
	ctx, cancel := context.WithTimeout(b.ctx, b.deps.connectInterval())
	err := b.deps.Connector.Connect(ctx, b.deps.Display.Name)
	cancel()
	if err == nil {
		b.log.Info("connected to display", "attempts", b.attempts)
		b.connected()
		return
	}

	if b.attempts >= b.deps.maxConnectAttempts() {
		b.log.Warn("unable to connect to display, bailing out", "attempts", b.attempts, logging.KeyError, err)
		b.fail(fmt.Errorf("%w after %d attempts: %v", ErrDisplayUnreachable, b.attempts, err))
		return
	}
	b.log.Debug("display not ready", "attempt", b.attempts, logging.KeyError, err)
	b.scheduleConnect()
}

// Attempts returns how often connecting to the display was tried.
func (b *base) Attempts() int {
	return b.attempts
}

func (b *base) runHook(hook hooks.Hook, login string) {
	if b.deps.Hooks == nil {
		return
	}
	res, err := b.deps.Hooks.Run(b.ctx, hook, login)
	if err != nil {
		b.log.Warn("hook failed", "hook", hook, logging.KeyError, err)
		return
	}
	if res != nil && !res.Success() {
		b.log.Warn("hook exited with error", "hook", hook, "exitCode", res.ExitCode, "stderr", res.Stderr)
	}
}

// tryMigrate asks for an existing session of username to switch to.
func (b *base) tryMigrate(username string) bool {
	if b.deps.Migrator == nil || username == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(b.ctx, migrateTimeout)
	defer cancel()
	migrated := b.deps.Migrator.TryMigrate(ctx, username)
	b.log.Info("session migration", "user", username, "migrated", migrated)
	if migrated {
		b.record(audit.EventUserMigrated, map[string]any{"user": username})
	}
	return migrated
}

// stopped ends the controller normally.
func (b *base) stopped() {
	b.finish(nil)
}

// fail ends the controller with a fatal error.
func (b *base) fail(err error) {
	b.log.Error("fatal error", logging.KeyError, err)
	b.finish(err)
}

func (b *base) finish(err error) {
	if b.finished {
		return
	}
	b.finished = true
	if b.connect != nil {
		b.connect.Stop()
		b.connect = nil
	}
	if b.teardown != nil {
		b.teardown()
	}
	if b.server != nil {
		if serr := b.server.Stop(); serr != nil {
			b.log.Warn("stop X server", logging.KeyError, serr)
		}
		b.server = nil
	}
	b.cancel()
	b.setState(StateStopped)
	if err != nil {
		b.record(audit.EventSlaveStop, map[string]any{"error": err.Error()})
	} else {
		b.record(audit.EventSlaveStop, nil)
	}

	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	close(b.done)
}

// Stop tears the controller down.
func (b *base) Stop() {
	b.stopped()
}
