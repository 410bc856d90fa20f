// Package bridge drives a local session from the far end of a session relay.
//
// The bridge runs in the product process. It dials the relay address handed
// out by the control plane, turns the relay's signals into calls on a real
// session and reports every outcome of that session back to the relay as a
// method call.
package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

var log = logging.L("bridge")

var (
	ErrNotConnected     = errors.New("bridge: not connected")
	ErrAlreadyConnected = errors.New("bridge: already connected")
)

const defaultCallTimeout = 25 * time.Second

// SessionFactory creates the real session the bridge drives.
type SessionFactory func(handler session.Handler) session.Session

type Option func(*Bridge)

// WithStartSession replaces the default StartSession handling. The owner
// uses it to bring the display up before the session is started.
func WithStartSession(fn func(session.Session)) Option {
	return func(b *Bridge) { b.startSession = fn }
}

// WithObserver receives every event of the real session after it has been
// forwarded, plus PeerDisconnected when the relay connection goes away.
func WithObserver(fn session.Handler) Option {
	return func(b *Bridge) { b.observer = fn }
}

// WithCallTimeout bounds how long a forwarded call waits for its
// acknowledgement before it is logged as lost.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.callTimeout = d }
}

type handlerFunc func(b *Bridge, m *ipc.Message) error

type pendingCall struct {
	member string
	timer  eventloop.Timer
}

// Bridge must be used from its scheduler's goroutine.
type Bridge struct {
	sched        eventloop.Scheduler
	newSession   SessionFactory
	startSession func(session.Session)
	observer     session.Handler
	callTimeout  time.Duration
	dispatch     map[string]handlerFunc

	conn    *ipc.Conn
	current session.Session
	gen     uint64

	mu      sync.Mutex
	pending map[uint64]pendingCall
	t       tomb.Tomb
	running bool
}

func New(sched eventloop.Scheduler, newSession SessionFactory, opts ...Option) *Bridge {
	b := &Bridge{
		sched:       sched,
		newSession:  newSession,
		callTimeout: defaultCallTimeout,
		dispatch:    dispatchTable(),
		pending:     make(map[uint64]pendingCall),
	}
	b.startSession = func(s session.Session) { s.StartSession() }
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect creates the real session and joins the relay at addr.
func (b *Bridge) Connect(ctx context.Context, addr string) error {
	if b.conn != nil {
		return ErrAlreadyConnected
	}
	conn, err := ipc.Dial(ctx, addr)
	if err != nil {
		return err
	}
	b.conn = conn
	if b.current == nil {
		b.createSession()
	}
	b.running = true
	b.t.Go(func() error { return b.recvLoop(conn) })
	log.Info("joined session relay", "address", addr)
	return nil
}

// Session returns the real session currently driven by the bridge.
func (b *Bridge) Session() session.Session {
	return b.current
}

// Connected reports whether the relay connection is up.
func (b *Bridge) Connected() bool {
	return b.conn != nil
}

// Disconnect drops the relay connection. The real session is kept.
func (b *Bridge) Disconnect() {
	if b.conn == nil {
		return
	}
	b.conn.Close()
	b.conn = nil
}

// Stop drops the relay connection, closes the real session and waits for
// the receive goroutine.
func (b *Bridge) Stop() {
	b.Disconnect()
	if b.current != nil {
		b.current.Close()
		b.current = nil
	}
	b.mu.Lock()
	for serial, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, serial)
	}
	b.mu.Unlock()
	if b.running {
		b.t.Kill(nil)
		b.t.Wait()
		b.running = false
	}
}

func (b *Bridge) createSession() {
	b.gen = session.NextGeneration()
	gen := b.gen
	b.current = b.newSession(func(ev session.Event) { b.onSessionEvent(gen, ev) })
	log.Debug("created session", logging.KeyGeneration, gen)
}

// restart replaces the real session with a fresh one.
func (b *Bridge) restart() {
	if b.current != nil {
		b.current.Close()
	}
	b.createSession()
}

func (b *Bridge) recvLoop(conn *ipc.Conn) error {
	for {
		msg, err := conn.Recv()
		if err != nil {
			var malformed *ipc.MalformedError
			if errors.As(err, &malformed) {
				log.Warn("dropping malformed relay message", logging.KeyError, err)
				continue
			}
			b.sched.Post(func() { b.lost(conn) })
			return nil
		}

		switch msg.Kind {
		case ipc.KindMethodReturn, ipc.KindError:
			b.sched.Post(func() { b.resolve(msg) })
		default:
			b.sched.Post(func() { b.handle(conn, msg) })
		}
	}
}

func (b *Bridge) lost(conn *ipc.Conn) {
	if conn != b.conn {
		return
	}
	log.Warn("session relay connection lost")
	b.conn.Close()
	b.conn = nil
	if b.observer != nil {
		b.observer(session.PeerDisconnected{})
	}
}

func (b *Bridge) handle(conn *ipc.Conn, msg *ipc.Message) {
	if conn != b.conn {
		return
	}
	h, ok := b.dispatch[msg.Member]
	if !ok {
		log.Warn("unhandled relay message", logging.KeyMember, msg.Member)
		return
	}
	if err := h(b, msg); err != nil {
		log.Warn("bad relay message", logging.KeyMember, msg.Member, logging.KeyError, err)
	}
}

func (b *Bridge) onSessionEvent(gen uint64, ev session.Event) {
	if gen != b.gen {
		log.Debug("dropping event from replaced session", logging.KeyMember, ev.Name(), logging.KeyGeneration, gen)
		return
	}

	if member, args, ok := outbound(ev); ok {
		b.forward(member, args...)
	}

	if started, ok := ev.(session.SessionStarted); ok {
		log.Info("session started, leaving relay", "pid", started.PID)
		b.Disconnect()
	}

	if b.observer != nil {
		b.observer(ev)
	}
}

func (b *Bridge) forward(member string, args ...any) {
	if b.conn == nil {
		log.Warn("relay not connected, dropping event", logging.KeyMember, member)
		return
	}
	msg, err := ipc.NewMethodCall(member, args...)
	if err != nil {
		log.Error("build relay call", logging.KeyMember, member, logging.KeyError, err)
		return
	}

	serial, err := b.conn.Send(msg)
	if err != nil {
		log.Warn("send relay call", logging.KeyMember, member, logging.KeyError, err)
		return
	}

	timer := b.sched.AfterFunc(b.callTimeout, func() {
		b.mu.Lock()
		p, ok := b.pending[serial]
		delete(b.pending, serial)
		b.mu.Unlock()
		if ok {
			log.Warn("relay call not acknowledged", logging.KeyMember, p.member, "timeout", b.callTimeout)
		}
	})

	b.mu.Lock()
	b.pending[serial] = pendingCall{member: member, timer: timer}
	b.mu.Unlock()
}

func (b *Bridge) resolve(msg *ipc.Message) {
	b.mu.Lock()
	p, ok := b.pending[msg.ReplySerial]
	delete(b.pending, msg.ReplySerial)
	b.mu.Unlock()

	if !ok {
		log.Debug("reply for unknown call", "replySerial", msg.ReplySerial)
		return
	}
	p.timer.Stop()
	if msg.Kind == ipc.KindError {
		log.Warn("relay rejected call", logging.KeyMember, p.member, logging.KeyError, msg.Error)
	}
}

// Pending returns the number of forwarded calls still awaiting a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Members lists the relay signals the bridge dispatches, sorted.
func Members() []string {
	table := dispatchTable()
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
