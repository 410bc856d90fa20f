package slave

import (
	"context"
	"fmt"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/audit"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/greeter"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

// FactoryResetDelay is the greeter reset delay of the factory variant when
// none is configured.
const FactoryResetDelay = 2 * time.Second

// Factory runs the greeter on its display and relays the login conversation
// to a product display it asks the display factory to create.
type Factory struct {
	base

	greeter   Greeter
	relay     Relay
	resetSlot *eventloop.Slot
}

var _ Controller = (*Factory)(nil)

func NewFactory(deps Deps) *Factory {
	if deps.ResetDelay <= 0 {
		deps.ResetDelay = FactoryResetDelay
	}
	f := &Factory{
		base:      newBase(deps, "factory"),
		resetSlot: eventloop.NewSlot(deps.Sched),
	}
	f.connected = f.onDisplayConnected
	f.teardown = f.release
	return f
}

func (f *Factory) Start() error {
	if err := f.begin(); err != nil {
		return err
	}
	f.log.Info("starting")
	if err := f.startRelay(); err != nil {
		f.fail(fmt.Errorf("%w: %v", ErrControlPlane, err))
		return f.Err()
	}
	f.startServer()
	return f.Err()
}

// Address returns the current relay address.
func (f *Factory) Address() string {
	if f.relay == nil {
		return ""
	}
	return f.relay.Address()
}

func (f *Factory) startRelay() error {
	var r Relay
	r = f.deps.NewRelay(func(ev session.Event) {
		if f.finished || f.relay != r {
			return
		}
		f.onRelayEvent(ev)
	})
	if err := r.Start(); err != nil {
		return err
	}
	f.relay = r
	f.log.Debug("relay started", "address", r.Address())
	return nil
}

func (f *Factory) onDisplayConnected() {
	var g Greeter
	g = f.deps.NewGreeter(func(ev greeter.Event) {
		if f.finished || f.greeter != g {
			return
		}
		f.onGreeterEvent(ev)
	})
	f.greeter = g
	if err := g.Start(); err != nil {
		f.greeter = nil
		f.fail(fmt.Errorf("%w: %v", ErrGreeterStart, err))
		return
	}
	f.setState(StateGreeterRunning)
}

func (f *Factory) createProductDisplay() {
	if f.deps.Factory == nil {
		f.log.Warn("no display factory configured")
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, controlTimeout)
	defer cancel()
	id, err := f.deps.Factory.CreateProductDisplay(ctx, f.deps.Display.ID, f.relay.Address())
	if err != nil {
		f.log.Warn("failed to create product display", logging.KeyError, err)
		return
	}
	f.log.Info("created product display", "product", id, "address", f.relay.Address())
}

func (f *Factory) queueReset() {
	f.resetSlot.Schedule(f.deps.ResetDelay, func() {
		if f.finished || f.greeter == nil {
			return
		}
		f.setState(StateResetting)
		f.greeter.Reset()
	})
}

func (f *Factory) onGreeterEvent(ev greeter.Event) {
	switch e := ev.(type) {
	case greeter.Connected:
		f.log.Debug("greeter connected")
		f.createProductDisplay()
	case greeter.Disconnected:
		f.log.Debug("greeter disconnected")
	case greeter.BeginVerification:
		f.setState(StateSettingUp)
		f.relay.Setup(session.ServiceDefault)
	case greeter.BeginVerificationForUser:
		f.setState(StateSettingUp)
		f.relay.SetupForUser(session.ServiceDefault, e.Username)
	case greeter.BeginAutoLogin:
		f.setState(StateSettingUp)
		f.relay.SetupForUser(session.ServiceAutologin, e.Username)
	case greeter.QueryAnswer:
		f.relay.AnswerQuery(e.Text)
	case greeter.SessionSelected:
		f.relay.SelectSession(e.Name)
	case greeter.HostnameSelected:
		f.log.Debug("ignoring hostname selection", "host", e.Name)
	case greeter.LanguageSelected:
		f.relay.SelectLanguage(e.Name)
	case greeter.LayoutSelected:
		f.relay.SelectLayout(e.Name)
	case greeter.UserSelected:
		f.relay.SelectUser(e.Name)
	case greeter.Cancelled:
		f.relay.Cancel()
		f.relay.StartConversation()
	case greeter.StartSessionWhenReady, greeter.StartSessionLater:
		// Sessions are started by the product display.
	case greeter.Exited:
		f.log.Info("greeter exited", "code", e.Code)
		f.greeter = nil
		f.stopped()
	case greeter.Died:
		f.log.Info("greeter died", "signal", e.Signal)
		f.greeter = nil
		f.stopped()
	}
}

func (f *Factory) onRelayEvent(ev session.Event) {
	if msg, ok := session.FailureMessage(ev); ok {
		f.onFailure(ev, msg)
		return
	}

	switch e := ev.(type) {
	case session.PeerConnected:
		f.log.Info("relay connected")
		f.relay.StartConversation()
	case session.PeerDisconnected:
		f.onRelayDisconnected()
	case session.ConversationStarted:
		f.setState(StateConversationStarted)
		f.withGreeter(Greeter.Ready)
	case session.SetupComplete:
		f.setState(StateAuthenticating)
		f.relay.Authenticate()
	case session.Authenticated:
		f.setState(StateAuthorizing)
		f.relay.Authorize()
	case session.Authorized:
		f.setState(StateAccrediting)
		f.relay.Accredit(session.Establish)
	case session.Accredited:
		f.setState(StateOpeningSession)
		f.relay.OpenSession()
	case session.SessionOpened:
		f.setState(StateStartingSession)
		f.relay.StartSession()
		f.withGreeter(Greeter.Reset)
	case session.SessionStarted:
		f.log.Info("relayed session started", "pid", e.PID)
		f.withGreeter(Greeter.Reset)
	case session.Info:
		f.withGreeter(func(g Greeter) { g.Info(e.Text) })
	case session.Problem:
		f.withGreeter(func(g Greeter) { g.Problem(e.Text) })
	case session.InfoQuery:
		f.withGreeter(func(g Greeter) { g.InfoQuery(e.Text) })
	case session.SecretInfoQuery:
		f.withGreeter(func(g Greeter) { g.SecretInfoQuery(e.Text) })
	case session.SelectedUserChanged:
		f.withGreeter(func(g Greeter) { g.SelectedUserChanged(e.Text) })
	case session.DefaultLanguageNameChanged:
		f.withGreeter(func(g Greeter) { g.DefaultLanguageNameChanged(e.Text) })
	case session.DefaultLayoutNameChanged:
		f.withGreeter(func(g Greeter) { g.DefaultLayoutNameChanged(e.Text) })
	case session.DefaultSessionNameChanged:
		f.withGreeter(func(g Greeter) { g.DefaultSessionNameChanged(e.Text) })
	}
}

func (f *Factory) withGreeter(fn func(Greeter)) {
	if f.greeter != nil {
		fn(f.greeter)
	}
}

// onRelayDisconnected replaces the relay, since a relay serves one peer,
// and asks for a new product display to join it.
func (f *Factory) onRelayDisconnected() {
	f.log.Info("relay disconnected")
	old := f.relay
	if err := f.startRelay(); err != nil {
		f.fail(fmt.Errorf("%w: %v", ErrControlPlane, err))
		return
	}
	old.Close()
	old.Stop()

	f.withGreeter(Greeter.Reset)
	if f.greeter != nil {
		f.createProductDisplay()
	}
}

func (f *Factory) onFailure(ev session.Event, msg string) {
	msg = failureText(ev, msg)
	f.log.Info("relayed conversation step failed", "event", ev.Name(), "message", msg)
	f.record(audit.EventLoginFailed, map[string]any{"step": ev.Name(), "message": msg})
	f.withGreeter(func(g Greeter) { g.Problem(msg) })
	f.queueReset()
}

func (f *Factory) release() {
	f.resetSlot.Cancel()
	if f.greeter != nil {
		g := f.greeter
		f.greeter = nil
		g.Stop()
	}
	if f.relay != nil {
		f.relay.Close()
		f.relay.Stop()
		f.relay = nil
	}
}
