package greeter

// Event is what the greeter reports to the slave.
type Event interface {
	isEvent()
}

type (
	BeginVerification        struct{}
	BeginVerificationForUser struct{ Username string }
	BeginAutoLogin           struct{ Username string }
	QueryAnswer              struct{ Text string }
	SessionSelected          struct{ Name string }
	HostnameSelected         struct{ Name string }
	LanguageSelected         struct{ Name string }
	LayoutSelected           struct{ Name string }
	UserSelected             struct{ Name string }
	Cancelled                struct{}
	Connected                struct{}
	Disconnected             struct{}
	StartSessionWhenReady    struct{}
	StartSessionLater        struct{}

	// Exited and Died report the end of the greeter process.
	Exited struct{ Code int }
	Died   struct{ Signal int }
)

func (BeginVerification) isEvent()        {}
func (BeginVerificationForUser) isEvent() {}
func (BeginAutoLogin) isEvent()           {}
func (QueryAnswer) isEvent()              {}
func (SessionSelected) isEvent()          {}
func (HostnameSelected) isEvent()         {}
func (LanguageSelected) isEvent()         {}
func (LayoutSelected) isEvent()           {}
func (UserSelected) isEvent()             {}
func (Cancelled) isEvent()                {}
func (Connected) isEvent()                {}
func (Disconnected) isEvent()             {}
func (StartSessionWhenReady) isEvent()    {}
func (StartSessionLater) isEvent()        {}
func (Exited) isEvent()                   {}
func (Died) isEvent()                     {}

type Handler func(Event)
