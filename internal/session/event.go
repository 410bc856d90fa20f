package session

// Event is the closed set of session outcomes.
type Event interface {
	Name() string
	isEvent()
}

type (
	ConversationStarted  struct{}
	SetupComplete        struct{}
	SetupFailed          struct{ Message string }
	Authenticated        struct{}
	AuthenticationFailed struct{ Message string }
	Authorized           struct{}
	AuthorizationFailed  struct{ Message string }
	Accredited           struct{}
	AccreditationFailed  struct{ Message string }
	SessionOpened        struct{}
	SessionOpenFailed    struct{ Message string }
	SessionStarted       struct{ PID int }
	SessionStopped       struct{}
	SessionExited        struct{ Code int }
	SessionDied          struct{ Signal int }

	Info            struct{ Text string }
	Problem         struct{ Text string }
	InfoQuery       struct{ Text string }
	SecretInfoQuery struct{ Text string }

	SelectedUserChanged        struct{ Text string }
	DefaultLanguageNameChanged struct{ Text string }
	DefaultLayoutNameChanged   struct{ Text string }
	DefaultSessionNameChanged  struct{ Text string }

	// PeerConnected and PeerDisconnected are emitted by transports that
	// carry a session to another process.
	PeerConnected    struct{}
	PeerDisconnected struct{}
)

func (ConversationStarted) Name() string        { return "ConversationStarted" }
func (SetupComplete) Name() string              { return "SetupComplete" }
func (SetupFailed) Name() string                { return "SetupFailed" }
func (Authenticated) Name() string              { return "Authenticated" }
func (AuthenticationFailed) Name() string       { return "AuthenticationFailed" }
func (Authorized) Name() string                 { return "Authorized" }
func (AuthorizationFailed) Name() string        { return "AuthorizationFailed" }
func (Accredited) Name() string                 { return "Accredited" }
func (AccreditationFailed) Name() string        { return "AccreditationFailed" }
func (SessionOpened) Name() string              { return "SessionOpened" }
func (SessionOpenFailed) Name() string          { return "SessionOpenFailed" }
func (SessionStarted) Name() string             { return "SessionStarted" }
func (SessionStopped) Name() string             { return "SessionStopped" }
func (SessionExited) Name() string              { return "SessionExited" }
func (SessionDied) Name() string                { return "SessionDied" }
func (Info) Name() string                       { return "Info" }
func (Problem) Name() string                    { return "Problem" }
func (InfoQuery) Name() string                  { return "InfoQuery" }
func (SecretInfoQuery) Name() string            { return "SecretInfoQuery" }
func (SelectedUserChanged) Name() string        { return "SelectedUserChanged" }
func (DefaultLanguageNameChanged) Name() string { return "DefaultLanguageNameChanged" }
func (DefaultLayoutNameChanged) Name() string   { return "DefaultLayoutNameChanged" }
func (DefaultSessionNameChanged) Name() string  { return "DefaultSessionNameChanged" }
func (PeerConnected) Name() string              { return "PeerConnected" }
func (PeerDisconnected) Name() string           { return "PeerDisconnected" }

func (ConversationStarted) isEvent()        {}
func (SetupComplete) isEvent()              {}
func (SetupFailed) isEvent()                {}
func (Authenticated) isEvent()              {}
func (AuthenticationFailed) isEvent()       {}
func (Authorized) isEvent()                 {}
func (AuthorizationFailed) isEvent()        {}
func (Accredited) isEvent()                 {}
func (AccreditationFailed) isEvent()        {}
func (SessionOpened) isEvent()              {}
func (SessionOpenFailed) isEvent()          {}
func (SessionStarted) isEvent()             {}
func (SessionStopped) isEvent()             {}
func (SessionExited) isEvent()              {}
func (SessionDied) isEvent()                {}
func (Info) isEvent()                       {}
func (Problem) isEvent()                    {}
func (InfoQuery) isEvent()                  {}
func (SecretInfoQuery) isEvent()            {}
func (SelectedUserChanged) isEvent()        {}
func (DefaultLanguageNameChanged) isEvent() {}
func (DefaultLayoutNameChanged) isEvent()   {}
func (DefaultSessionNameChanged) isEvent()  {}
func (PeerConnected) isEvent()              {}
func (PeerDisconnected) isEvent()           {}

// FailureMessage returns the message carried by a failure event and whether
// ev is a failure at all.
func FailureMessage(ev Event) (string, bool) {
	switch e := ev.(type) {
	case SetupFailed:
		return e.Message, true
	case AuthenticationFailed:
		return e.Message, true
	case AuthorizationFailed:
		return e.Message, true
	case AccreditationFailed:
		return e.Message, true
	case SessionOpenFailed:
		return e.Message, true
	}
	return "", false
}
