package slave

import (
	"context"
	"fmt"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/audit"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

// Product joins the relay of the factory display that asked for it and runs
// the real conversation. Its X server starts only when the user session is
// about to start.
type Product struct {
	base

	bridge         Bridge
	pending        session.Session
	sessionStarted bool
}

var _ Controller = (*Product)(nil)

func NewProduct(deps Deps) *Product {
	p := &Product{base: newBase(deps, "product")}
	p.connected = p.onDisplayConnected
	p.teardown = p.release
	return p
}

func (p *Product) Start() error {
	if err := p.begin(); err != nil {
		return err
	}
	p.log.Info("starting")

	ctx, cancel := context.WithTimeout(p.ctx, controlTimeout)
	defer cancel()
	addr, err := p.deps.Locator.GetRelayAddress(ctx)
	if err != nil {
		p.fail(fmt.Errorf("%w: get relay address: %v", ErrControlPlane, err))
		return p.Err()
	}

	p.bridge = p.deps.NewBridge(p.onStartSession, p.onSessionEvent)
	if err := p.bridge.Connect(ctx, addr); err != nil {
		p.fail(fmt.Errorf("%w: join relay %s: %v", ErrControlPlane, addr, err))
		return p.Err()
	}
	p.log.Info("joined relay", "address", addr)
	return nil
}

// onStartSession brings up the display the user session will run on. The
// session itself is started once the display accepts clients.
func (p *Product) onStartSession(sess session.Session) {
	if p.finished {
		return
	}
	if p.pending != nil {
		p.log.Warn("session start already requested")
		return
	}
	p.pending = sess
	p.startServer()
}

func (p *Product) onDisplayConnected() {
	sess := p.pending
	if sess == nil {
		return
	}
	p.setState(StateStartingSession)
	sess.StartSession()
}

func (p *Product) onSessionEvent(ev session.Event) {
	if p.finished {
		return
	}
	switch e := ev.(type) {
	case session.ConversationStarted:
		p.setState(StateConversationStarted)
	case session.SetupComplete:
		p.setState(StateAuthenticating)
	case session.Authenticated:
		p.setState(StateAuthorizing)
	case session.Authorized:
		p.setState(StateAccrediting)
	case session.Accredited:
		p.setState(StateOpeningSession)
	case session.SessionStarted:
		p.sessionStarted = true
		p.setState(StateSessionLive)
		p.log.Info("user session started", "pid", e.PID)
		p.record(audit.EventSessionStarted, map[string]any{"pid": e.PID})
	case session.SessionExited:
		p.log.Info("user session exited", "code", e.Code)
		p.stopped()
	case session.SessionDied:
		p.log.Info("user session died", "signal", e.Signal)
		p.stopped()
	case session.PeerDisconnected:
		if !p.sessionStarted {
			p.log.Info("relay closed before a session started")
			p.stopped()
		}
	default:
		if _, failed := session.FailureMessage(ev); failed {
			p.setState(StateConversationStarted)
		}
	}
}

func (p *Product) release() {
	if p.bridge != nil {
		p.bridge.Stop()
		p.bridge = nil
	}
	p.pending = nil
	if p.sessionStarted {
		p.record(audit.EventSessionEnded, nil)
	}
}
