package relay

import (
	"fmt"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

type translator func(*ipc.Message) (session.Event, error)

func noArgs(ev session.Event) translator {
	return func(m *ipc.Message) (session.Event, error) {
		if err := m.Decode(); err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func text(build func(string) session.Event) translator {
	return func(m *ipc.Message) (session.Event, error) {
		var s string
		if err := m.Decode(&s); err != nil {
			return nil, err
		}
		return build(s), nil
	}
}

func failure(build func(string) session.Event) translator {
	return func(m *ipc.Message) (session.Event, error) {
		s, err := m.DecodeOptionalString()
		if err != nil {
			return nil, err
		}
		return build(s), nil
	}
}

// inbound maps the peer's method names onto session events.
var inbound = map[string]translator{
	"ConversationStarted": noArgs(session.ConversationStarted{}),
	"SetupComplete":       noArgs(session.SetupComplete{}),
	"Authenticated":       noArgs(session.Authenticated{}),
	"Authorized":          noArgs(session.Authorized{}),
	"Accredited":          noArgs(session.Accredited{}),
	"SessionOpened":       noArgs(session.SessionOpened{}),
	"SessionStopped":      noArgs(session.SessionStopped{}),

	"SetupFailed":          failure(func(s string) session.Event { return session.SetupFailed{Message: s} }),
	"AuthenticationFailed": failure(func(s string) session.Event { return session.AuthenticationFailed{Message: s} }),
	"AuthorizationFailed":  failure(func(s string) session.Event { return session.AuthorizationFailed{Message: s} }),
	"AccreditationFailed":  failure(func(s string) session.Event { return session.AccreditationFailed{Message: s} }),
	"SessionOpenFailed":    failure(func(s string) session.Event { return session.SessionOpenFailed{Message: s} }),

	"Info":            text(func(s string) session.Event { return session.Info{Text: s} }),
	"Problem":         text(func(s string) session.Event { return session.Problem{Text: s} }),
	"InfoQuery":       text(func(s string) session.Event { return session.InfoQuery{Text: s} }),
	"SecretInfoQuery": text(func(s string) session.Event { return session.SecretInfoQuery{Text: s} }),

	"SessionStarted": func(m *ipc.Message) (session.Event, error) {
		var pid int32
		if err := m.Decode(&pid); err != nil {
			return nil, err
		}
		return session.SessionStarted{PID: int(pid)}, nil
	},
}

// InboundMembers lists the method names a relay peer may call.
func InboundMembers() []string {
	names := make([]string, 0, len(inbound))
	for name := range inbound {
		names = append(names, name)
	}
	return names
}

func translate(m *ipc.Message) (session.Event, error) {
	tr, ok := inbound[m.Member]
	if !ok {
		return nil, fmt.Errorf("relay: unknown method %q", m.Member)
	}
	return tr(m)
}
