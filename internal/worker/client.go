// Package worker runs the authentication conversation in a separate
// session-worker process and exposes it as a direct.Backend.
//
// The worker speaks the internal/ipc wire format over a socketpair. Steps
// are method calls answered with a method return or an error whose text is
// meant for the user. While a step runs the worker may call back with Info,
// Problem, InfoQuery and SecretInfoQuery; session end is reported with the
// SessionExited and SessionDied signals.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/direct"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("worker")

var ErrWorkerGone = errors.New("worker: connection to session worker lost")

// Error is a step failure reported by the worker.
type Error struct {
	Member  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker: %s failed: %s", e.Member, e.Message)
}

func (e *Error) UserMessage() string {
	return e.Message
}

// Client is the slave side of a worker connection.
type Client struct {
	conn *ipc.Conn

	mu      sync.Mutex
	pending map[uint64]chan *ipc.Message
	conv    direct.Conversation
	convCtx context.Context

	username string
	exits    chan direct.ExitStatus
	done     chan struct{}
	closeFn  func() error
	once     sync.Once
}

// NewClient starts reading from conn. closeFn, if set, runs after the
// connection is closed and is used to reap the worker process.
func NewClient(conn *ipc.Conn, closeFn func() error) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan *ipc.Message),
		exits:   make(chan direct.ExitStatus, 1),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
	go c.readLoop()
	return c
}

// Call sends a method call and waits for its reply.
func (c *Client) Call(ctx context.Context, member string, args ...any) (*ipc.Message, error) {
	select {
	case <-c.done:
		return nil, ErrWorkerGone
	default:
	}
	msg, err := ipc.NewMethodCall(member, args...)
	if err != nil {
		return nil, err
	}

	ch := make(chan *ipc.Message, 1)
	// Registration happens under mu so the reader cannot see the reply
	// before the serial is known.
	c.mu.Lock()
	serial, err := c.conn.Send(msg)
	if err == nil {
		c.pending[serial] = ch
	}
	c.mu.Unlock()
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrWorkerGone
		default:
		}
		return nil, fmt.Errorf("worker: send %s: %w", member, err)
	}

	select {
	case reply := <-ch:
		if reply.Kind == ipc.KindError {
			return nil, &Error{Member: member, Message: reply.Error}
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, serial)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrWorkerGone
	}
}

// setConversation routes the worker's prompts to conv until replaced.
func (c *Client) setConversation(ctx context.Context, conv direct.Conversation) {
	c.mu.Lock()
	c.conv, c.convCtx = conv, ctx
	c.mu.Unlock()
}

// Username returns the user name last reported by the worker.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Close drops the connection and reaps the worker.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.conn.Close()
		<-c.done
		if c.closeFn != nil {
			err = c.closeFn()
		}
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			var malformed *ipc.MalformedError
			if errors.As(err, &malformed) {
				log.Warn("dropping malformed worker message", logging.KeyError, err)
				continue
			}
			log.Debug("worker connection closed", logging.KeyError, err)
			return
		}

		switch msg.Kind {
		case ipc.KindMethodReturn, ipc.KindError:
			c.mu.Lock()
			ch, ok := c.pending[msg.ReplySerial]
			delete(c.pending, msg.ReplySerial)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case ipc.KindSignal:
			c.handleSignal(msg)
		case ipc.KindMethodCall:
			go c.handleCall(msg)
		}
	}
}

func (c *Client) handleSignal(msg *ipc.Message) {
	switch msg.Member {
	case "SessionExited":
		var code int
		if err := msg.Decode(&code); err != nil {
			log.Warn("bad worker signal", logging.KeyMember, msg.Member, logging.KeyError, err)
			return
		}
		c.exit(direct.ExitStatus{Code: code})
	case "SessionDied":
		var signal int
		if err := msg.Decode(&signal); err != nil {
			log.Warn("bad worker signal", logging.KeyMember, msg.Member, logging.KeyError, err)
			return
		}
		c.exit(direct.ExitStatus{Signal: signal, Signaled: true})
	case "UsernameChanged":
		var name string
		if err := msg.Decode(&name); err != nil {
			log.Warn("bad worker signal", logging.KeyMember, msg.Member, logging.KeyError, err)
			return
		}
		c.mu.Lock()
		c.username = name
		c.mu.Unlock()
	default:
		log.Warn("unknown worker signal", logging.KeyMember, msg.Member)
	}
}

func (c *Client) exit(status direct.ExitStatus) {
	select {
	case c.exits <- status:
	default:
		log.Warn("duplicate session exit report")
	}
}

func (c *Client) handleCall(msg *ipc.Message) {
	answer, err := c.converse(msg)
	var reply *ipc.Message
	if err != nil {
		reply = msg.ErrorReply(err.Error())
	} else if answer != nil {
		reply, err = msg.Reply(*answer)
	} else {
		reply, err = msg.Reply()
	}
	if err != nil {
		log.Warn("build worker reply", logging.KeyMember, msg.Member, logging.KeyError, err)
		return
	}
	if _, err := c.conn.Send(reply); err != nil {
		log.Warn("send worker reply", logging.KeyMember, msg.Member, logging.KeyError, err)
	}
}

func (c *Client) converse(msg *ipc.Message) (*string, error) {
	var text string
	if err := msg.Decode(&text); err != nil {
		return nil, err
	}

	c.mu.Lock()
	conv, ctx := c.conv, c.convCtx
	c.mu.Unlock()
	if conv == nil {
		return nil, fmt.Errorf("worker: no conversation for %s", msg.Member)
	}

	switch msg.Member {
	case "Info":
		return nil, conv.Info(ctx, text)
	case "Problem":
		return nil, conv.Problem(ctx, text)
	case "InfoQuery", "SecretInfoQuery":
		query := conv.InfoQuery
		if msg.Member == "SecretInfoQuery" {
			query = conv.SecretInfoQuery
		}
		secret, err := query(ctx, text)
		if err != nil {
			return nil, err
		}
		answer := secret.Reveal()
		secret.Zero()
		return &answer, nil
	}
	return nil, fmt.Errorf("worker: unknown method %q", msg.Member)
}
