// Package relay implements a session.Session whose conversation runs in
// another process.
//
// A Relay listens on an ephemeral local socket and accepts exactly one peer
// for its lifetime. Every operation is forwarded to the peer as a one-way
// signal; the peer reports outcomes as method calls which are acknowledged
// with an empty reply and delivered to the owner as session events.
package relay

import (
	"errors"
	"net"
	"os"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

var log = logging.L("relay")

var (
	ErrAlreadyStarted = errors.New("relay: already started")
	ErrRateLimited    = errors.New("relay: connection rate limited")
)

// AddressPrefix names relay sockets inside the socket directory.
const AddressPrefix = "mdm-session-"

type State int

const (
	StateIdle State = iota
	StateListening
	StateConnected
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Option func(*Relay)

// WithTokenSource replaces the random address generator.
func WithTokenSource(tokens ipc.TokenSource) Option {
	return func(r *Relay) { r.tokens = tokens }
}

// WithSocketDir sets the directory the address is named under.
func WithSocketDir(dir string) Option {
	return func(r *Relay) { r.dir = dir }
}

// WithAuthorizer sets the peer identity check. The default admits only the
// effective uid of this process.
func WithAuthorizer(auth func(*ipc.PeerCredentials) error) Option {
	return func(r *Relay) { r.authorize = auth }
}

// WithRateLimiter limits connection attempts per peer uid.
func WithRateLimiter(l *ipc.RateLimiter) Option {
	return func(r *Relay) { r.limiter = l }
}

// Relay is a session.Session forwarded to a peer process. Its methods must
// be called on the scheduler's goroutine.
//
// Requests made while no peer is connected are dropped, not queued, and do
// not advance the conversation order. Owners wait for PeerConnected before
// driving the conversation.
type Relay struct {
	sched     eventloop.Scheduler
	handler   session.Handler
	tokens    ipc.TokenSource
	dir       string
	authorize func(*ipc.PeerCredentials) error
	limiter   *ipc.RateLimiter

	state   State
	address string
	peer    *ipc.Conn
	tracker session.Tracker
	gen     uint64

	mu    sync.Mutex // guards ln and conns for Stop
	ln    net.Listener
	conns map[*ipc.Conn]struct{}
	t     tomb.Tomb
}

var _ session.Session = (*Relay)(nil)

func New(sched eventloop.Scheduler, handler session.Handler, opts ...Option) *Relay {
	r := &Relay{
		sched:     sched,
		handler:   handler,
		tokens:    ipc.RandomToken,
		dir:       "/tmp",
		authorize: ipc.UIDAuthorizer(uint32(os.Geteuid())),
		gen:       session.NextGeneration(),
		conns:     make(map[*ipc.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start generates the listen address and begins accepting a peer.
func (r *Relay) Start() error {
	if r.state != StateIdle {
		return ErrAlreadyStarted
	}

	addr, err := ipc.EphemeralAddress(r.dir, AddressPrefix, r.tokens)
	if err != nil {
		return err
	}
	ln, err := ipc.Listen(addr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()

	r.address = addr
	r.state = StateListening
	log.Info("relay listening", "address", addr, logging.KeyGeneration, r.gen)

	r.t.Go(r.acceptLoop)
	return nil
}

// Address returns the listen address, or "" before Start.
func (r *Relay) Address() string {
	return r.address
}

func (r *Relay) State() State {
	return r.state
}

// Stop closes the listener and any connection and waits for the relay's
// goroutines to exit.
func (r *Relay) Stop() {
	if r.state == StateIdle || r.state == StateStopped {
		r.state = StateStopped
		return
	}
	r.state = StateStopped
	r.peer = nil
	r.t.Kill(nil)

	r.mu.Lock()
	if r.ln != nil {
		r.ln.Close()
	}
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	r.t.Wait()
}

func (r *Relay) acceptLoop() error {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept failed", "error", err)
			continue
		}

		creds, err := ipc.Authorize(conn, r.authorize)
		if err != nil {
			log.Warn("rejecting relay connection", logging.KeyError, err)
			conn.Close()
			continue
		}
		if r.limiter != nil && !r.limiter.Allow(creds.UID) {
			log.Warn("rejecting relay connection", logging.KeyError, ErrRateLimited, logging.KeyPeerUID, creds.UID)
			conn.Close()
			continue
		}

		c := ipc.NewConn(conn)
		r.sched.Post(func() { r.accept(c, creds) })
	}
}

func (r *Relay) accept(c *ipc.Conn, creds *ipc.PeerCredentials) {
	if r.state != StateListening {
		log.Warn("relay already has a peer, rejecting connection",
			"state", r.state, logging.KeyPeerUID, creds.UID, "pid", creds.PID)
		c.Close()
		return
	}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	r.peer = c
	r.state = StateConnected
	log.Info("relay peer connected", logging.KeyPeerUID, creds.UID, "pid", creds.PID)

	r.t.Go(func() error { return r.recvLoop(c) })
	r.emit(session.PeerConnected{})
}

func (r *Relay) recvLoop(c *ipc.Conn) error {
	for {
		msg, err := c.Recv()
		if err != nil {
			var malformed *ipc.MalformedError
			if errors.As(err, &malformed) {
				log.Warn("dropping malformed message", logging.KeyError, err)
				continue
			}
			r.sched.Post(func() { r.disconnected(c) })
			return nil
		}
		r.handleInbound(c, msg)
	}
}

func (r *Relay) handleInbound(c *ipc.Conn, msg *ipc.Message) {
	switch msg.Kind {
	case ipc.KindMethodReturn:
		return
	case ipc.KindError:
		log.Warn("peer returned an error", logging.KeyError, msg.Error)
		return
	}

	ev, err := translate(msg)
	if err != nil {
		log.Warn("dropping relay message", logging.KeyMember, msg.Member, logging.KeyError, err)
		if msg.IsCall() {
			c.Send(msg.ErrorReply(err.Error()))
		}
		return
	}

	if msg.IsCall() {
		reply, err := msg.Reply()
		if err == nil {
			_, err = c.Send(reply)
		}
		if err != nil {
			log.Warn("acknowledge failed", logging.KeyMember, msg.Member, logging.KeyError, err)
		}
	}

	r.sched.Post(func() { r.deliver(c, ev) })
}

func (r *Relay) deliver(c *ipc.Conn, ev session.Event) {
	if r.tracker.Closed() || c != r.peer {
		log.Debug("dropping stale relay event", logging.KeyMember, ev.Name(), logging.KeyGeneration, r.gen)
		return
	}
	r.tracker.Observe(ev)
	r.emit(ev)
}

func (r *Relay) disconnected(c *ipc.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	if c == r.peer && r.ln != nil {
		// A relay serves a single peer for its lifetime.
		r.ln.Close()
	}
	r.mu.Unlock()
	c.Close()

	if c != r.peer {
		return
	}
	r.peer = nil
	if r.state == StateConnected {
		r.state = StateDisconnected
	}
	log.Info("relay peer disconnected", "address", r.address)
	r.emit(session.PeerDisconnected{})
}

func (r *Relay) emit(ev session.Event) {
	if r.tracker.Closed() || r.handler == nil {
		return
	}
	r.handler(ev)
}

// send forwards one request to the peer. Without a peer it is dropped.
func (r *Relay) send(op session.Op, member string, args ...any) {
	if r.peer == nil {
		log.Warn("no relay peer, dropping request", logging.KeyMember, member, "state", r.state)
		return
	}
	if err := r.tracker.Begin(op); err != nil {
		log.Warn("rejecting relay request", logging.KeyMember, member, logging.KeyError, err)
		return
	}
	msg, err := ipc.NewSignal(member, args...)
	if err != nil {
		log.Error("build relay signal", logging.KeyMember, member, logging.KeyError, err)
		return
	}
	if _, err := r.peer.Send(msg); err != nil {
		log.Warn("send relay signal", logging.KeyMember, member, logging.KeyError, err)
	}
}

func (r *Relay) StartConversation() {
	r.send(session.OpStartConversation, "StartConversation")
}

func (r *Relay) Setup(service string) {
	r.send(session.OpSetup, "Setup", service)
}

func (r *Relay) SetupForUser(service, username string) {
	r.send(session.OpSetup, "SetupForUser", service, username)
}

func (r *Relay) Authenticate() {
	r.send(session.OpAuthenticate, "Authenticate")
}

func (r *Relay) Authorize() {
	r.send(session.OpAuthorize, "Authorize")
}

func (r *Relay) Accredit(flag session.CredFlag) {
	switch flag {
	case session.Refresh:
		r.send(session.OpRefreshCredentials, "RefreshCredentials")
	default:
		r.send(session.OpEstablishCredentials, "EstablishCredentials")
	}
}

func (r *Relay) OpenSession() {
	r.send(session.OpOpenSession, "OpenSession")
}

func (r *Relay) StartSession() {
	r.send(session.OpStartSession, "StartSession")
}

func (r *Relay) AnswerQuery(text string) {
	r.send(session.OpHint, "AnswerQuery", text)
}

func (r *Relay) SelectSession(name string) {
	r.send(session.OpHint, "SessionSelected", name)
}

func (r *Relay) SelectLanguage(name string) {
	r.send(session.OpHint, "LanguageSelected", name)
}

func (r *Relay) SelectLayout(name string) {
	r.send(session.OpHint, "LayoutSelected", name)
}

func (r *Relay) SelectUser(name string) {
	r.send(session.OpHint, "UserSelected", name)
}

func (r *Relay) Cancel() {
	r.send(session.OpCancel, "Cancelled")
}

// Close tells the peer to tear its conversation down. Events arriving
// afterwards are dropped.
func (r *Relay) Close() {
	if r.tracker.Closed() {
		return
	}
	if r.peer != nil {
		if msg, err := ipc.NewSignal("Close"); err == nil {
			if _, err := r.peer.Send(msg); err != nil {
				log.Warn("send relay signal", logging.KeyMember, "Close", logging.KeyError, err)
			}
		}
	}
	r.tracker.Close()
}
