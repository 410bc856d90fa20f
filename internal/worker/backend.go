package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/direct"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

var ErrNotSetUp = errors.New("worker: conversation not set up")

// Display describes the display the worker authenticates for.
type Display struct {
	Name           string `json:"name"`
	Hostname       string `json:"hostname,omitempty"`
	Device         string `json:"device,omitempty"`
	Seat           string `json:"seat,omitempty"`
	XAuthorityFile string `json:"xauthorityFile,omitempty"`
	IsLocal        bool   `json:"isLocal"`
}

// LaunchFunc connects to a fresh worker.
type LaunchFunc func(ctx context.Context) (*Client, error)

// Backend implements direct.Backend on top of a worker process, which is
// launched on Setup.
type Backend struct {
	launch  LaunchFunc
	display Display

	mu     sync.Mutex
	client *Client
}

var _ direct.Backend = (*Backend)(nil)

func NewBackend(launch LaunchFunc, display Display) *Backend {
	return &Backend{launch: launch, display: display}
}

func (b *Backend) current() (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrNotSetUp
	}
	return b.client, nil
}

func (b *Backend) Setup(ctx context.Context, service, username string, conv direct.Conversation) error {
	c, err := b.current()
	if err != nil {
		c, err = b.launch(ctx)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.client = c
		b.mu.Unlock()
	}
	c.setConversation(ctx, conv)
	_, err = c.Call(ctx, "Setup", service, username, b.display)
	return err
}

func (b *Backend) step(ctx context.Context, member string) error {
	c, err := b.current()
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, member)
	return err
}

func (b *Backend) Authenticate(ctx context.Context) error {
	return b.step(ctx, "Authenticate")
}

func (b *Backend) Authorize(ctx context.Context) error {
	return b.step(ctx, "Authorize")
}

func (b *Backend) Accredit(ctx context.Context, flag session.CredFlag) error {
	if flag == session.Refresh {
		return b.step(ctx, "RefreshCredentials")
	}
	return b.step(ctx, "EstablishCredentials")
}

func (b *Backend) OpenSession(ctx context.Context) error {
	return b.step(ctx, "OpenSession")
}

func (b *Backend) StartSession(ctx context.Context, req direct.StartRequest) (direct.Process, error) {
	c, err := b.current()
	if err != nil {
		return nil, err
	}
	reply, err := c.Call(ctx, "StartSession", req)
	if err != nil {
		return nil, err
	}
	var pid int32
	if err := reply.Decode(&pid); err != nil {
		return nil, err
	}
	return &process{pid: int(pid), c: c}, nil
}

func (b *Backend) Username() string {
	c, err := b.current()
	if err != nil {
		return ""
	}
	return c.Username()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// process is a user session running under the worker.
type process struct {
	pid int
	c   *Client
}

func (p *process) Pid() int { return p.pid }

func (p *process) Wait() (direct.ExitStatus, error) {
	select {
	case status := <-p.c.exits:
		return status, nil
	case <-p.c.done:
		select {
		case status := <-p.c.exits:
			return status, nil
		default:
		}
		return direct.ExitStatus{}, ErrWorkerGone
	}
}
