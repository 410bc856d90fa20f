package slave

import (
	"fmt"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/audit"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/greeter"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/hooks"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

// Simple runs the greeter and the login conversation on its own display.
type Simple struct {
	base

	greeter Greeter
	session session.Session
	gen     uint64

	resetSlot *eventloop.Slot
	startSlot *eventloop.Slot

	timed          TimedLogin
	startWhenReady bool
	waitingToStart bool
	authenticated  bool
	sessionStarted bool
	username       string
}

var _ Controller = (*Simple)(nil)

func NewSimple(deps Deps) *Simple {
	s := &Simple{
		base:      newBase(deps, "simple"),
		resetSlot: eventloop.NewSlot(deps.Sched),
		startSlot: eventloop.NewSlot(deps.Sched),
		timed:     deps.TimedLogin,
	}
	s.connected = s.onDisplayConnected
	s.teardown = s.release
	return s
}

func (s *Simple) Start() error {
	if err := s.begin(); err != nil {
		return err
	}
	s.log.Info("starting")
	s.startServer()
	return s.Err()
}

func (s *Simple) onDisplayConnected() {
	s.resolveTimedLogin()

	if !s.timed.Enabled || s.timed.Delay > 0 {
		if !s.startGreeter() {
			return
		}
		s.createSession()
		return
	}

	s.runHook(hooks.Init, s.deps.GreeterUser)
	s.resetSession()
}

func (s *Simple) resolveTimedLogin() {
	if !s.timed.Enabled {
		return
	}
	if s.timed.User == "" {
		s.log.Warn("timed login enabled without a user, ignoring it")
		s.timed.Enabled = false
		return
	}
	if s.deps.Hooks == nil {
		return
	}
	login, err := s.deps.Hooks.ResolveLogin(s.ctx, s.timed.User)
	if err != nil || login == "" {
		s.log.Warn("unable to resolve timed login user", "user", s.timed.User, logging.KeyError, err)
		s.timed.Enabled = false
		return
	}
	s.timed.User = login
}

// startGreeter runs the Init hook and launches the greeter. A greeter that
// cannot be started ends the controller.
func (s *Simple) startGreeter() bool {
	s.runHook(hooks.Init, s.deps.GreeterUser)

	var g Greeter
	g = s.deps.NewGreeter(func(ev greeter.Event) {
		if s.finished || s.greeter != g {
			return
		}
		s.onGreeterEvent(ev)
	})
	s.greeter = g
	if err := g.Start(); err != nil {
		s.greeter = nil
		s.fail(fmt.Errorf("%w: %v", ErrGreeterStart, err))
		return false
	}
	s.setState(StateGreeterRunning)
	return true
}

// stopGreeter runs the PostLogin hook and stops the greeter before the user
// session takes over the display.
func (s *Simple) stopGreeter() {
	if s.greeter == nil {
		s.log.Debug("no greeter running")
		return
	}
	if name := s.currentUser(); name != "" {
		s.runHook(hooks.PostLogin, name)
	}
	g := s.greeter
	s.greeter = nil
	g.Stop()
}

func (s *Simple) createSession() {
	s.gen++
	gen := s.gen
	s.authenticated = false
	s.waitingToStart = false
	s.username = ""
	s.session = s.deps.NewSession(func(ev session.Event) {
		if s.finished || gen != s.gen {
			s.log.Debug("dropping stale session event", "event", ev.Name(), logging.KeyGeneration, gen)
			return
		}
		s.onSessionEvent(ev)
	})
}

func (s *Simple) destroySession() {
	s.startSlot.Cancel()
	if s.session == nil {
		return
	}
	s.gen++
	sess := s.session
	s.session = nil
	sess.Close()
}

func (s *Simple) resetSession() {
	s.destroySession()
	s.createSession()
	s.session.StartConversation()
}

// queueReset arms the reset slot. While a reset is pending further requests
// are dropped.
func (s *Simple) queueReset(authFailed bool) {
	s.resetSlot.Schedule(s.deps.ResetDelay, func() {
		if s.finished {
			return
		}
		s.setState(StateResetting)
		if s.greeter == nil {
			if !s.startGreeter() {
				return
			}
			s.createSession()
			return
		}
		if authFailed {
			s.greeter.AuthenticationFailed()
		} else {
			s.greeter.Reset()
		}
		s.resetSession()
	})
}

func (s *Simple) currentUser() string {
	if r, ok := s.session.(session.UserReporter); ok {
		if name := r.Username(); name != "" {
			return name
		}
	}
	return s.username
}

func (s *Simple) onGreeterEvent(ev greeter.Event) {
	switch e := ev.(type) {
	case greeter.Connected:
		s.log.Debug("greeter connected")
		if s.session != nil {
			s.session.StartConversation()
		}
	case greeter.Disconnected:
		s.log.Debug("greeter disconnected")
	case greeter.BeginVerification:
		s.withSession(func(sess session.Session) {
			s.setState(StateSettingUp)
			sess.Setup(session.ServiceDefault)
		})
	case greeter.BeginVerificationForUser:
		s.username = e.Username
		s.withSession(func(sess session.Session) {
			s.setState(StateSettingUp)
			sess.SetupForUser(session.ServiceDefault, e.Username)
		})
	case greeter.BeginAutoLogin:
		s.username = e.Username
		s.withSession(func(sess session.Session) {
			s.setState(StateSettingUp)
			sess.SetupForUser(session.ServiceAutologin, e.Username)
		})
	case greeter.QueryAnswer:
		s.withSession(func(sess session.Session) { sess.AnswerQuery(e.Text) })
	case greeter.SessionSelected:
		s.withSession(func(sess session.Session) { sess.SelectSession(e.Name) })
	case greeter.HostnameSelected:
		s.log.Debug("ignoring hostname selection", "host", e.Name)
	case greeter.LanguageSelected:
		s.withSession(func(sess session.Session) { sess.SelectLanguage(e.Name) })
	case greeter.LayoutSelected:
		s.withSession(func(sess session.Session) { sess.SelectLayout(e.Name) })
	case greeter.UserSelected:
		s.username = e.Name
		s.withSession(func(sess session.Session) { sess.SelectUser(e.Name) })
	case greeter.Cancelled:
		s.queueReset(false)
	case greeter.StartSessionWhenReady:
		s.startWhenReady = true
		if s.waitingToStart {
			s.accreditWhenReady()
		}
	case greeter.StartSessionLater:
		s.startWhenReady = false
	case greeter.Exited:
		s.log.Info("greeter exited", "code", e.Code)
		s.greeter = nil
		s.stopped()
	case greeter.Died:
		s.log.Info("greeter died", "signal", e.Signal)
		s.greeter = nil
		s.stopped()
	}
}

func (s *Simple) withSession(fn func(session.Session)) {
	if s.session == nil {
		s.log.Debug("no session, dropping greeter request")
		return
	}
	fn(s.session)
}

func (s *Simple) onSessionEvent(ev session.Event) {
	if msg, ok := session.FailureMessage(ev); ok {
		s.onFailure(ev, msg)
		return
	}

	switch e := ev.(type) {
	case session.ConversationStarted:
		s.setState(StateConversationStarted)
		if s.greeter != nil {
			s.greeter.Ready()
		}
		if !s.timed.Enabled {
			return
		}
		if s.greeter != nil {
			s.greeter.RequestTimedLogin(s.timed.User, s.timed.Delay)
			return
		}
		s.log.Info("begin automatic login", "user", s.timed.User)
		s.username = s.timed.User
		s.setState(StateSettingUp)
		s.session.SetupForUser(session.ServiceAutologin, s.timed.User)
	case session.SetupComplete:
		s.setState(StateAuthenticating)
		s.session.Authenticate()
	case session.Authenticated:
		s.authenticated = true
		s.setState(StateAuthorizing)
		s.session.Authorize()
	case session.Authorized:
		if s.greeter != nil {
			s.greeter.UserAuthorized()
		} else {
			s.startWhenReady = true
		}
		s.accreditWhenReady()
	case session.Accredited:
		s.setState(StateOpeningSession)
		s.session.OpenSession()
	case session.SessionOpened:
		s.startSlot.Schedule(0, s.startSessionNow)
	case session.SessionStarted:
		s.sessionStarted = true
		s.setState(StateSessionLive)
		s.log.Info("user session started", "pid", e.PID, "user", s.currentUser())
		s.record(audit.EventSessionStarted, map[string]any{"user": s.currentUser(), "pid": e.PID})
		if s.greeter != nil {
			s.greeter.Reset()
		}
		s.runHook(hooks.PreSession, s.currentUser())
	case session.SessionStopped:
		s.log.Debug("user session stopped")
	case session.SessionExited:
		s.log.Info("user session exited", "code", e.Code)
		s.stopped()
	case session.SessionDied:
		s.log.Info("user session died", "signal", e.Signal)
		s.stopped()
	case session.Info:
		if s.greeter != nil {
			s.greeter.Info(e.Text)
		}
	case session.Problem:
		if s.greeter != nil {
			s.greeter.Problem(e.Text)
		}
	case session.InfoQuery:
		if s.greeter != nil {
			s.greeter.InfoQuery(e.Text)
		}
	case session.SecretInfoQuery:
		if s.greeter != nil {
			s.greeter.SecretInfoQuery(e.Text)
		}
	case session.SelectedUserChanged:
		s.username = e.Text
		if s.greeter != nil {
			s.greeter.SelectedUserChanged(e.Text)
		}
	case session.DefaultLanguageNameChanged:
		if s.greeter != nil {
			s.greeter.DefaultLanguageNameChanged(e.Text)
		}
	case session.DefaultLayoutNameChanged:
		if s.greeter != nil {
			s.greeter.DefaultLayoutNameChanged(e.Text)
		}
	case session.DefaultSessionNameChanged:
		if s.greeter != nil {
			s.greeter.DefaultSessionNameChanged(e.Text)
		}
	}
}

// accreditWhenReady establishes credentials once authorization succeeded
// and the greeter allows the session to start. Until then the controller
// waits for the greeter.
func (s *Simple) accreditWhenReady() {
	if !s.startWhenReady {
		s.waitingToStart = true
		return
	}
	if s.session == nil {
		return
	}
	s.waitingToStart = false
	s.setState(StateAccrediting)
	s.session.Accredit(session.Establish)
}

func (s *Simple) onFailure(ev session.Event, msg string) {
	msg = failureText(ev, msg)
	_, authFailed := ev.(session.AuthenticationFailed)
	user := s.currentUser()
	s.log.Info("conversation step failed", "event", ev.Name(), "message", msg)
	s.record(audit.EventLoginFailed, map[string]any{"user": user, "step": ev.Name(), "message": msg})

	migrated := s.authenticated && s.tryMigrate(user)
	s.destroySession()
	if migrated {
		s.log.Info("switched to an existing session")
	} else if s.greeter != nil {
		s.greeter.Problem(msg)
	}
	if s.greeter == nil && s.timed.Enabled {
		// Automatic login is tried once. The greeter takes over afterwards.
		s.timed.Enabled = false
	}
	s.queueReset(authFailed && !migrated)
}

func (s *Simple) startSessionNow() {
	if s.finished || s.session == nil {
		return
	}
	if s.tryMigrate(s.currentUser()) {
		s.destroySession()
		s.queueReset(false)
		return
	}
	s.stopGreeter()
	s.setState(StateStartingSession)
	s.session.StartSession()
}

func (s *Simple) release() {
	s.resetSlot.Cancel()
	s.startSlot.Cancel()
	if s.greeter != nil {
		g := s.greeter
		s.greeter = nil
		g.Stop()
	}
	if s.sessionStarted {
		user := s.currentUser()
		s.runHook(hooks.PostSession, user)
		s.record(audit.EventSessionEnded, map[string]any{"user": user})
	}
	s.destroySession()
}
