package bridge

import (
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

func call0(op func(session.Session)) handlerFunc {
	return func(b *Bridge, m *ipc.Message) error {
		if err := m.Decode(); err != nil {
			return err
		}
		op(b.current)
		return nil
	}
}

func call1(op func(session.Session, string)) handlerFunc {
	return func(b *Bridge, m *ipc.Message) error {
		var s string
		if err := m.Decode(&s); err != nil {
			return err
		}
		op(b.current, s)
		return nil
	}
}

func dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"StartConversation": call0(session.Session.StartConversation),
		"Setup":             call1(session.Session.Setup),
		"SetupForUser": func(b *Bridge, m *ipc.Message) error {
			var service, username string
			if err := m.Decode(&service, &username); err != nil {
				return err
			}
			b.current.SetupForUser(service, username)
			return nil
		},
		"Authenticate":         call0(session.Session.Authenticate),
		"Authorize":            call0(session.Session.Authorize),
		"EstablishCredentials": call0(func(s session.Session) { s.Accredit(session.Establish) }),
		"RefreshCredentials":   call0(func(s session.Session) { s.Accredit(session.Refresh) }),
		"OpenSession":          call0(session.Session.OpenSession),
		"StartSession": func(b *Bridge, m *ipc.Message) error {
			if err := m.Decode(); err != nil {
				return err
			}
			b.startSession(b.current)
			return nil
		},
		"AnswerQuery":      call1(session.Session.AnswerQuery),
		"SessionSelected":  call1(session.Session.SelectSession),
		"LanguageSelected": call1(session.Session.SelectLanguage),
		"LayoutSelected":   call1(session.Session.SelectLayout),
		"UserSelected":     call1(session.Session.SelectUser),
		"Cancelled": func(b *Bridge, m *ipc.Message) error {
			if err := m.Decode(); err != nil {
				return err
			}
			b.restart()
			return nil
		},
		"Close": func(b *Bridge, m *ipc.Message) error {
			if err := m.Decode(); err != nil {
				return err
			}
			log.Info("relay asked to close the session")
			if b.current != nil {
				b.current.Close()
			}
			b.Disconnect()
			if b.observer != nil {
				b.observer(session.PeerDisconnected{})
			}
			return nil
		},
	}
}

// outbound maps a real session event onto the relay call that reports it.
func outbound(ev session.Event) (string, []any, bool) {
	switch e := ev.(type) {
	case session.ConversationStarted, session.SetupComplete, session.Authenticated,
		session.Authorized, session.Accredited, session.SessionOpened:
		return ev.Name(), nil, true
	case session.SetupFailed:
		return ev.Name(), []any{e.Message}, true
	case session.AuthenticationFailed:
		return ev.Name(), []any{e.Message}, true
	case session.AuthorizationFailed:
		return ev.Name(), []any{e.Message}, true
	case session.AccreditationFailed:
		return ev.Name(), []any{e.Message}, true
	case session.SessionOpenFailed:
		return ev.Name(), []any{e.Message}, true
	case session.SessionStarted:
		return ev.Name(), []any{int32(e.PID)}, true
	case session.Info:
		return ev.Name(), []any{e.Text}, true
	case session.Problem:
		return ev.Name(), []any{e.Text}, true
	case session.InfoQuery:
		return ev.Name(), []any{e.Text}, true
	case session.SecretInfoQuery:
		return ev.Name(), []any{e.Text}, true
	}
	return "", nil, false
}
