// Package sessiontest provides a session.Session that records the calls made
// on it, for tests of code that drives a session.
package sessiontest

import (
	"strings"
	"sync"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

// Call is one recorded operation.
type Call struct {
	Op   string
	Args []string
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Op
	}
	return c.Op + " " + strings.Join(c.Args, " ")
}

// Recorder records every operation and lets the test emit events to the
// session's owner.
type Recorder struct {
	mu       sync.Mutex
	handler  session.Handler
	calls    []Call
	closed   bool
	username string
	notify   chan Call
}

var (
	_ session.Session      = (*Recorder)(nil)
	_ session.UserReporter = (*Recorder)(nil)
)

func New(handler session.Handler) *Recorder {
	return &Recorder{handler: handler, notify: make(chan Call, 64)}
}

// Emit delivers ev to the owner as the session would.
func (r *Recorder) Emit(ev session.Event) {
	r.handler(ev)
}

// Calls returns the operations recorded so far, rendered as strings.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Last returns the most recent operation, or "" when none was made.
func (r *Recorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1].String()
}

// Count returns how many times op was called.
func (r *Recorder) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// Notify receives each call as it is made. Calls are dropped when nobody
// keeps up.
func (r *Recorder) Notify() <-chan Call {
	return r.notify
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// SetUsername sets the value reported by Username.
func (r *Recorder) SetUsername(name string) {
	r.mu.Lock()
	r.username = name
	r.mu.Unlock()
}

func (r *Recorder) Username() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.username
}

func (r *Recorder) record(op string, args ...string) {
	c := Call{Op: op, Args: args}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	if op == "Close" {
		r.closed = true
	}
	r.mu.Unlock()
	select {
	case r.notify <- c:
	default:
	}
}

func (r *Recorder) StartConversation()          { r.record("StartConversation") }
func (r *Recorder) Setup(service string)        { r.record("Setup", service) }
func (r *Recorder) Authenticate()               { r.record("Authenticate") }
func (r *Recorder) Authorize()                  { r.record("Authorize") }
func (r *Recorder) Accredit(f session.CredFlag) { r.record("Accredit", f.String()) }
func (r *Recorder) OpenSession()                { r.record("OpenSession") }
func (r *Recorder) StartSession()               { r.record("StartSession") }
func (r *Recorder) AnswerQuery(text string)     { r.record("AnswerQuery", text) }
func (r *Recorder) SelectSession(name string)   { r.record("SelectSession", name) }
func (r *Recorder) SelectLanguage(name string)  { r.record("SelectLanguage", name) }
func (r *Recorder) SelectLayout(name string)    { r.record("SelectLayout", name) }
func (r *Recorder) SelectUser(name string)      { r.record("SelectUser", name) }
func (r *Recorder) Cancel()                     { r.record("Cancel") }
func (r *Recorder) Close()                      { r.record("Close") }

func (r *Recorder) SetupForUser(service, username string) {
	r.record("SetupForUser", service, username)
}
