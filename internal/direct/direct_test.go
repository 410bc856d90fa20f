package direct

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

type userErr string

func (e userErr) Error() string       { return "backend: " + string(e) }
func (e userErr) UserMessage() string { return string(e) }

type fakeProcess struct {
	pid  int
	exit chan ExitStatus
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (ExitStatus, error) {
	return <-p.exit, nil
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	closed   bool
	username string

	authenticate func(ctx context.Context, conv Conversation) error
	conv         Conversation
	proc         *fakeProcess
	startReq     StartRequest
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) Setup(ctx context.Context, service, username string, conv Conversation) error {
	b.record("Setup " + service)
	b.mu.Lock()
	b.conv = conv
	b.username = username
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Authenticate(ctx context.Context) error {
	b.record("Authenticate")
	if b.authenticate != nil {
		return b.authenticate(ctx, b.conv)
	}
	return nil
}

func (b *fakeBackend) Authorize(ctx context.Context) error {
	b.record("Authorize")
	return nil
}

func (b *fakeBackend) Accredit(ctx context.Context, flag session.CredFlag) error {
	b.record("Accredit " + flag.String())
	return nil
}

func (b *fakeBackend) OpenSession(ctx context.Context) error {
	b.record("OpenSession")
	return nil
}

func (b *fakeBackend) StartSession(ctx context.Context, req StartRequest) (Process, error) {
	b.record("StartSession")
	b.mu.Lock()
	b.startReq = req
	b.mu.Unlock()
	return b.proc, nil
}

func (b *fakeBackend) Username() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.username
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.record("Close")
	return nil
}

type harness struct {
	sched    *eventloop.Manual
	s        *Session
	events   []session.Event
	backends []*fakeBackend
	prepare  func(*fakeBackend)
}

func newHarness(t *testing.T, prepare func(*fakeBackend)) *harness {
	t.Helper()
	h := &harness{sched: eventloop.NewManual(), prepare: prepare}
	h.s = New(h.sched, func(ev session.Event) { h.events = append(h.events, ev) }, func() Backend {
		b := &fakeBackend{proc: &fakeProcess{pid: 77, exit: make(chan ExitStatus, 1)}}
		if h.prepare != nil {
			h.prepare(b)
		}
		h.backends = append(h.backends, b)
		return b
	})
	t.Cleanup(h.s.Close)
	return h
}

// await pumps the scheduler until n events have been delivered.
func (h *harness) await(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.events) < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %d events, want %d: %v", len(h.events), n, names(h.events))
		}
		h.sched.RunPending()
		time.Sleep(time.Millisecond)
	}
}

// settle pumps the scheduler for a short while so stray events show up.
func (h *harness) settle() {
	for i := 0; i < 20; i++ {
		h.sched.RunPending()
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) last() session.Event {
	return h.events[len(h.events)-1]
}

func names(events []session.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name()
	}
	return out
}

func TestDirectHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	steps := []struct {
		op   func()
		want session.Event
	}{
		{h.s.StartConversation, session.ConversationStarted{}},
		{func() { h.s.Setup(session.ServiceDefault) }, session.SetupComplete{}},
		{h.s.Authenticate, session.Authenticated{}},
		{h.s.Authorize, session.Authorized{}},
		{func() { h.s.Accredit(session.Establish) }, session.Accredited{}},
		{h.s.OpenSession, session.SessionOpened{}},
		{h.s.StartSession, session.SessionStarted{PID: 77}},
	}
	for _, step := range steps {
		n := len(h.events)
		step.op()
		h.await(t, n+1)
		if got := h.last(); got != step.want {
			t.Fatalf("event = %#v, want %#v", got, step.want)
		}
	}

	h.backends[0].proc.exit <- ExitStatus{Code: 3}
	h.await(t, len(steps)+1)
	if got := h.last(); got != (session.SessionExited{Code: 3}) {
		t.Fatalf("event = %#v, want SessionExited{3}", got)
	}
}

func TestDirectSessionDiedOnSignal(t *testing.T) {
	h := newHarness(t, nil)
	for _, op := range []func(){
		h.s.StartConversation,
		func() { h.s.Setup("mdm") },
		h.s.Authenticate,
		h.s.Authorize,
		func() { h.s.Accredit(session.Establish) },
		h.s.OpenSession,
		h.s.StartSession,
	} {
		n := len(h.events)
		op()
		h.await(t, n+1)
	}
	h.backends[0].proc.exit <- ExitStatus{Signal: 9, Signaled: true}
	h.await(t, 8)
	if got := h.last(); got != (session.SessionDied{Signal: 9}) {
		t.Fatalf("event = %#v, want SessionDied{9}", got)
	}
}

func TestDirectFailureCarriesUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"user message", userErr("Authentication failure"), "Authentication failure"},
		{"internal error", errors.New("socket closed"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(b *fakeBackend) {
				b.authenticate = func(context.Context, Conversation) error { return tt.err }
			})
			h.s.StartConversation()
			h.await(t, 1)
			h.s.Setup("mdm")
			h.await(t, 2)
			h.s.Authenticate()
			h.await(t, 3)
			if got := h.last(); got != (session.AuthenticationFailed{Message: tt.want}) {
				t.Fatalf("event = %#v", got)
			}

			// A failed step allows a fresh setup.
			h.s.Setup("mdm")
			h.await(t, 4)
			if got := h.last(); got != (session.SetupComplete{}) {
				t.Fatalf("event after retry = %#v", got)
			}
		})
	}
}

func TestDirectSecretQuery(t *testing.T) {
	var got string
	h := newHarness(t, func(b *fakeBackend) {
		b.authenticate = func(ctx context.Context, conv Conversation) error {
			if err := conv.Info(ctx, "Welcome"); err != nil {
				return err
			}
			answer, err := conv.SecretInfoQuery(ctx, "Password:")
			if err != nil {
				return err
			}
			got = answer.Reveal()
			answer.Zero()
			return nil
		}
	})

	h.s.StartConversation()
	h.await(t, 1)
	h.s.Setup("mdm")
	h.await(t, 2)
	h.s.Authenticate()
	h.await(t, 4)
	if h.events[2] != (session.Info{Text: "Welcome"}) {
		t.Fatalf("event = %#v, want Info", h.events[2])
	}
	if h.events[3] != (session.SecretInfoQuery{Text: "Password:"}) {
		t.Fatalf("event = %#v, want SecretInfoQuery", h.events[3])
	}

	h.s.AnswerQuery("hunter2")
	h.await(t, 5)
	if h.last() != (session.Authenticated{}) {
		t.Fatalf("event = %#v, want Authenticated", h.last())
	}
	if got != "hunter2" {
		t.Fatalf("backend got answer %q", got)
	}
}

func TestDirectAnswerWithoutQueryIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.s.AnswerQuery("stray")
	select {
	case <-h.s.answers:
		t.Fatal("answer queued without a pending query")
	default:
	}
}

func TestDirectCancelDropsStaleResults(t *testing.T) {
	release := make(chan struct{})
	var h *harness
	h = newHarness(t, func(b *fakeBackend) {
		if len(h.backends) == 0 {
			b.authenticate = func(ctx context.Context, _ Conversation) error {
				<-release
				return nil
			}
		}
	})
	h.s.StartConversation()
	h.await(t, 1)
	h.s.Setup("mdm")
	h.await(t, 2)
	h.s.Authenticate()

	old := h.s.Generation()
	h.s.Cancel()
	if h.s.Generation() == old {
		t.Fatal("generation unchanged after cancel")
	}
	close(release)
	h.settle()
	if len(h.events) != 2 {
		t.Fatalf("stale events delivered: %v", names(h.events))
	}

	h.s.StartConversation()
	h.await(t, 3)
	if h.last() != (session.ConversationStarted{}) {
		t.Fatalf("event = %#v", h.last())
	}
	if len(h.backends) != 2 {
		t.Fatalf("backends = %d, want a fresh one after cancel", len(h.backends))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := h.backends[0].Calls()
		if len(calls) > 0 && calls[len(calls)-1] == "Close" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("old backend not closed: %v", calls)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDirectCloseRejectsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.s.StartConversation()
	h.await(t, 1)
	h.s.Close()
	h.s.Setup("mdm")
	h.settle()
	if len(h.events) != 1 {
		t.Fatalf("events after close: %v", names(h.events))
	}
	for _, c := range h.backends[0].Calls() {
		if c == "Setup mdm" {
			t.Fatal("setup reached backend after close")
		}
	}
}

func TestDirectRejectsOutOfOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.s.StartConversation()
	h.await(t, 1)
	h.s.Authenticate()
	h.settle()
	if len(h.events) != 1 {
		t.Fatalf("unexpected events: %v", names(h.events))
	}
	if calls := h.backends[0].Calls(); len(calls) != 0 {
		t.Fatalf("backend calls = %v, want none", calls)
	}
}

func TestDirectReportsUserChange(t *testing.T) {
	h := newHarness(t, func(b *fakeBackend) {
		b.authenticate = func(context.Context, Conversation) error {
			b.mu.Lock()
			b.username = "alice"
			b.mu.Unlock()
			return nil
		}
	})
	h.s.StartConversation()
	h.await(t, 1)
	h.s.Setup("mdm")
	h.await(t, 2)
	h.s.Authenticate()
	h.await(t, 4)
	if h.events[2] != (session.SelectedUserChanged{Text: "alice"}) {
		t.Fatalf("event = %#v, want SelectedUserChanged", h.events[2])
	}
	if h.s.Username() != "alice" {
		t.Fatalf("Username() = %q", h.s.Username())
	}
}

func TestDirectPassesHintsToStart(t *testing.T) {
	h := newHarness(t, nil)
	h.s.SelectSession("mate")
	h.s.SelectLanguage("fr_FR.UTF-8")
	h.s.SelectLayout("fr")
	for _, op := range []func(){
		h.s.StartConversation,
		func() { h.s.Setup("mdm") },
		h.s.Authenticate,
		h.s.Authorize,
		func() { h.s.Accredit(session.Establish) },
		h.s.OpenSession,
		h.s.StartSession,
	} {
		n := len(h.events)
		op()
		h.await(t, n+1)
	}
	b := h.backends[0]
	b.mu.Lock()
	req := b.startReq
	b.mu.Unlock()
	want := StartRequest{Session: "mate", Language: "fr_FR.UTF-8", Layout: "fr"}
	if req != want {
		t.Fatalf("start request = %+v, want %+v", req, want)
	}
}
