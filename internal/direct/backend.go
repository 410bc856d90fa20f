package direct

import (
	"context"
	"errors"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/secmem"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

// Conversation is how a backend talks to the user while a step runs.
type Conversation interface {
	Info(ctx context.Context, text string) error
	Problem(ctx context.Context, text string) error
	InfoQuery(ctx context.Context, text string) (*secmem.SecureString, error)
	SecretInfoQuery(ctx context.Context, text string) (*secmem.SecureString, error)
}

// StartRequest carries the choices made at the greeter into the session.
type StartRequest struct {
	Session  string `json:"session,omitempty"`
	Language string `json:"language,omitempty"`
	Layout   string `json:"layout,omitempty"`
}

// ExitStatus describes how a session process ended.
type ExitStatus struct {
	Code     int
	Signal   int
	Signaled bool
}

// Process is a running user session.
type Process interface {
	Pid() int
	Wait() (ExitStatus, error)
}

// Backend performs the authentication steps of one conversation. Its methods
// are called from a single goroutine, one at a time. Username may be called
// concurrently with the other methods.
type Backend interface {
	Setup(ctx context.Context, service, username string, conv Conversation) error
	Authenticate(ctx context.Context) error
	Authorize(ctx context.Context) error
	Accredit(ctx context.Context, flag session.CredFlag) error
	OpenSession(ctx context.Context) error
	StartSession(ctx context.Context, req StartRequest) (Process, error)
	Username() string
	Close() error
}

// BackendFactory creates the backend for a new conversation.
type BackendFactory func() Backend

// UserMessage is implemented by backend errors that carry text meant for
// the user, such as a PAM message.
type UserMessage interface {
	UserMessage() string
}

// failureText extracts the user-facing part of a backend error. An empty
// result lets the owner substitute its default text.
func failureText(err error) string {
	var um UserMessage
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return ""
}
