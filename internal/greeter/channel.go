// Package greeter runs the login greeter of a display and speaks to it over
// a private socket.
package greeter

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("greeter")

var (
	ErrAlreadyStarted = errors.New("greeter: already started")
	ErrRateLimited    = errors.New("greeter: connection rate limited")
	ErrUnknownMember  = errors.New("greeter: unknown method")
)

const (
	// AddressPrefix names greeter sockets inside the socket directory.
	AddressPrefix = "mdm-greeter-"

	// HandshakeTimeout bounds the peer credential check of a new connection.
	HandshakeTimeout = 5 * time.Second
)

type ChannelOption func(*Channel)

func WithChannelTokens(tokens ipc.TokenSource) ChannelOption {
	return func(c *Channel) { c.tokens = tokens }
}

func WithChannelSocketDir(dir string) ChannelOption {
	return func(c *Channel) { c.dir = dir }
}

// WithChannelAuthorizer sets the peer identity check. The default admits the
// effective uid of this process.
func WithChannelAuthorizer(auth func(*ipc.PeerCredentials) error) ChannelOption {
	return func(c *Channel) { c.authorize = auth }
}

func WithChannelRateLimiter(l *ipc.RateLimiter) ChannelOption {
	return func(c *Channel) { c.limiter = l }
}

// Channel is the slave's end of the greeter conversation. It serves one
// greeter connection and must be used from the scheduler's goroutine.
type Channel struct {
	sched     eventloop.Scheduler
	handler   Handler
	displayID string
	tokens    ipc.TokenSource
	dir       string
	authorize func(*ipc.PeerCredentials) error
	limiter   *ipc.RateLimiter

	address string
	started bool
	stopped bool
	peer    *ipc.Conn

	mu    sync.Mutex
	ln    net.Listener
	conns map[*ipc.Conn]struct{}
	t     tomb.Tomb
}

func NewChannel(sched eventloop.Scheduler, displayID string, handler Handler, opts ...ChannelOption) *Channel {
	c := &Channel{
		sched:     sched,
		handler:   handler,
		displayID: displayID,
		tokens:    ipc.RandomToken,
		dir:       "/tmp",
		authorize: ipc.UIDAuthorizer(uint32(os.Geteuid())),
		conns:     make(map[*ipc.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Start() error {
	if c.started {
		return ErrAlreadyStarted
	}
	addr, err := ipc.EphemeralAddress(c.dir, AddressPrefix, c.tokens)
	if err != nil {
		return err
	}
	ln, err := ipc.Listen(addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	c.started = true
	c.address = addr
	log.Info("greeter channel listening", "address", addr, logging.KeyDisplay, c.displayID)

	c.t.Go(c.acceptLoop)
	return nil
}

func (c *Channel) Address() string {
	return c.address
}

// Connected reports whether a greeter is attached.
func (c *Channel) Connected() bool {
	return c != nil && c.peer != nil
}

func (c *Channel) Stop() {
	if !c.started || c.stopped {
		c.stopped = true
		return
	}
	c.stopped = true
	c.peer = nil
	c.t.Kill(nil)

	c.mu.Lock()
	if c.ln != nil {
		c.ln.Close()
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	c.t.Wait()
}

func (c *Channel) acceptLoop() error {
	c.mu.Lock()
	ln := c.ln
	c.mu.Unlock()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-c.t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept failed", logging.KeyError, err)
			continue
		}

		raw.SetDeadline(time.Now().Add(HandshakeTimeout))
		creds, err := ipc.Authorize(raw, c.authorize)
		if err != nil {
			log.Warn("rejecting greeter connection", logging.KeyError, err)
			raw.Close()
			continue
		}
		if c.limiter != nil && !c.limiter.Allow(creds.UID) {
			log.Warn("rejecting greeter connection", logging.KeyError, ErrRateLimited, logging.KeyPeerUID, creds.UID)
			raw.Close()
			continue
		}
		raw.SetDeadline(time.Time{})

		conn := ipc.NewConn(raw)
		c.sched.Post(func() { c.accept(conn, creds) })
	}
}

func (c *Channel) accept(conn *ipc.Conn, creds *ipc.PeerCredentials) {
	if c.stopped || c.peer != nil {
		log.Warn("greeter already connected, rejecting connection", logging.KeyPeerUID, creds.UID, "pid", creds.PID)
		conn.Close()
		return
	}

	c.mu.Lock()
	c.conns[conn] = struct{}{}
	c.mu.Unlock()

	c.peer = conn
	log.Info("greeter connected", logging.KeyPeerUID, creds.UID, "pid", creds.PID)

	c.t.Go(func() error { return c.recvLoop(conn) })
	c.emit(Connected{})
}

func (c *Channel) recvLoop(conn *ipc.Conn) error {
	for {
		msg, err := conn.Recv()
		if err != nil {
			var malformed *ipc.MalformedError
			if errors.As(err, &malformed) {
				log.Warn("dropping malformed greeter message", logging.KeyError, err)
				continue
			}
			c.sched.Post(func() { c.disconnected(conn) })
			return nil
		}
		c.handleInbound(conn, msg)
	}
}

func (c *Channel) handleInbound(conn *ipc.Conn, msg *ipc.Message) {
	if !msg.IsCall() {
		return
	}

	if msg.Member == "GetDisplayId" {
		reply, err := msg.Reply(c.displayID)
		if err == nil {
			_, err = conn.Send(reply)
		}
		if err != nil {
			log.Warn("reply to greeter", logging.KeyMember, msg.Member, logging.KeyError, err)
		}
		return
	}

	tr, ok := inbound[msg.Member]
	if !ok {
		conn.Send(msg.ErrorReply(fmt.Sprintf("%v: %s", ErrUnknownMember, msg.Member)))
		return
	}
	ev, err := tr(msg)
	if err != nil {
		log.Warn("dropping greeter message", logging.KeyMember, msg.Member, logging.KeyError, err)
		conn.Send(msg.ErrorReply(err.Error()))
		return
	}

	reply, err := msg.Reply()
	if err == nil {
		_, err = conn.Send(reply)
	}
	if err != nil {
		log.Warn("acknowledge failed", logging.KeyMember, msg.Member, logging.KeyError, err)
	}

	c.sched.Post(func() {
		if conn != c.peer {
			return
		}
		c.emit(ev)
	})
}

func (c *Channel) disconnected(conn *ipc.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	conn.Close()

	if conn != c.peer {
		return
	}
	c.peer = nil
	log.Info("greeter disconnected", logging.KeyDisplay, c.displayID)
	c.emit(Disconnected{})
}

func (c *Channel) emit(ev Event) {
	if c.stopped || c.handler == nil {
		return
	}
	c.handler(ev)
}

func (c *Channel) signal(member string, args ...any) {
	if c == nil || c.peer == nil {
		log.Debug("no greeter connected, dropping notification", logging.KeyMember, member)
		return
	}
	msg, err := ipc.NewSignal(member, args...)
	if err != nil {
		log.Error("build greeter signal", logging.KeyMember, member, logging.KeyError, err)
		return
	}
	if _, err := c.peer.Send(msg); err != nil {
		log.Warn("send greeter signal", logging.KeyMember, member, logging.KeyError, err)
	}
}

func (c *Channel) Ready()                      { c.signal("Ready") }
func (c *Channel) Reset()                      { c.signal("Reset") }
func (c *Channel) AuthenticationFailed()       { c.signal("AuthenticationFailed") }
func (c *Channel) UserAuthorized()             { c.signal("UserAuthorized") }
func (c *Channel) Info(text string)            { c.signal("Info", text) }
func (c *Channel) Problem(text string)         { c.signal("Problem", text) }
func (c *Channel) InfoQuery(text string)       { c.signal("InfoQuery", text) }
func (c *Channel) SecretInfoQuery(text string) { c.signal("SecretInfoQuery", text) }

func (c *Channel) SelectedUserChanged(name string) {
	c.signal("SelectedUserChanged", name)
}

func (c *Channel) DefaultLanguageNameChanged(name string) {
	c.signal("DefaultLanguageNameChanged", name)
}

func (c *Channel) DefaultLayoutNameChanged(name string) {
	c.signal("DefaultLayoutNameChanged", name)
}

func (c *Channel) DefaultSessionNameChanged(name string) {
	c.signal("DefaultSessionNameChanged", name)
}

// RequestTimedLogin asks the greeter to log username in after delay unless
// the user intervenes.
func (c *Channel) RequestTimedLogin(username string, delay time.Duration) {
	c.signal("TimedLoginRequested", username, int32(delay/time.Second))
}
