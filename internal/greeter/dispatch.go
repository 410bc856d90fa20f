package greeter

import (
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
)

type translator func(*ipc.Message) (Event, error)

func noArgs(ev Event) translator {
	return func(m *ipc.Message) (Event, error) {
		if err := m.Decode(); err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func text(build func(string) Event) translator {
	return func(m *ipc.Message) (Event, error) {
		var s string
		if err := m.Decode(&s); err != nil {
			return nil, err
		}
		return build(s), nil
	}
}

var inbound = map[string]translator{
	"BeginVerification":        noArgs(BeginVerification{}),
	"BeginVerificationForUser": text(func(s string) Event { return BeginVerificationForUser{Username: s} }),
	"BeginAutoLogin":           text(func(s string) Event { return BeginAutoLogin{Username: s} }),
	"AnswerQuery":              text(func(s string) Event { return QueryAnswer{Text: s} }),
	"SelectSession":            text(func(s string) Event { return SessionSelected{Name: s} }),
	"SelectHostname":           text(func(s string) Event { return HostnameSelected{Name: s} }),
	"SelectLanguage":           text(func(s string) Event { return LanguageSelected{Name: s} }),
	"SelectLayout":             text(func(s string) Event { return LayoutSelected{Name: s} }),
	"SelectUser":               text(func(s string) Event { return UserSelected{Name: s} }),
	"Cancel":                   noArgs(Cancelled{}),
	"Disconnect":               noArgs(Disconnected{}),
	"StartSessionWhenReady": func(m *ipc.Message) (Event, error) {
		var start bool
		if err := m.Decode(&start); err != nil {
			return nil, err
		}
		if start {
			return StartSessionWhenReady{}, nil
		}
		return StartSessionLater{}, nil
	},
}

// InboundMembers lists the method names a greeter may call.
func InboundMembers() []string {
	names := make([]string, 0, len(inbound)+1)
	for name := range inbound {
		names = append(names, name)
	}
	return append(names, "GetDisplayId")
}
