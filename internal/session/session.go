// Package session defines the conversation contract shared by the direct
// (PAM backed) and relayed implementations.
//
// Operations are asynchronous: a call returns immediately and its outcome is
// delivered later as an Event to the Handler the implementation was built
// with. Events are delivered on the owner's event loop, in the order the
// corresponding requests were issued.
package session

import "sync/atomic"

// CredFlag selects how credentials are handled by Accredit.
type CredFlag int

const (
	Establish CredFlag = iota
	Refresh
)

func (f CredFlag) String() string {
	switch f {
	case Establish:
		return "establish"
	case Refresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Session is one authentication-and-session-start conversation.
type Session interface {
	StartConversation()
	Setup(service string)
	SetupForUser(service, username string)
	Authenticate()
	Authorize()
	Accredit(flag CredFlag)
	OpenSession()
	StartSession()

	AnswerQuery(text string)
	SelectSession(name string)
	SelectLanguage(name string)
	SelectLayout(name string)
	SelectUser(name string)
	Cancel()

	// Close tears the conversation down. No event is delivered afterwards.
	Close()
}

// Handler receives a session's events.
type Handler func(Event)

// UserReporter is implemented by sessions that know which user the
// conversation is for.
type UserReporter interface {
	Username() string
}

// Service names understood by the session worker.
const (
	ServiceDefault   = "mdm"
	ServiceAutologin = "mdm-autologin"
)

var generations atomic.Uint64

// NextGeneration returns a process-wide unique conversation number. Events
// are tagged with the generation of the conversation that produced them so
// that results from a torn-down conversation can be recognised and dropped.
func NextGeneration() uint64 {
	return generations.Add(1)
}
