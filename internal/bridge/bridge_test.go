//go:build linux

package bridge

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/relay"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session/sessiontest"
)

var tokenCounter atomic.Int64

func testTokens() (string, error) {
	return fmt.Sprintf("b%07d", tokenCounter.Add(1)), nil
}

type harness struct {
	loop     *eventloop.Loop
	relay    *relay.Relay
	bridge   *Bridge
	events   chan session.Event
	observed chan session.Event

	mu       sync.Mutex
	sessions []*sessiontest.Recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		loop:     eventloop.New(),
		events:   make(chan session.Event, 32),
		observed: make(chan session.Event, 32),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)

	h.relay = relay.New(h.loop, func(ev session.Event) { h.events <- ev },
		relay.WithTokenSource(testTokens), relay.WithSocketDir("/tmp/mdm-bridge-test"))

	factory := func(handler session.Handler) session.Session {
		rec := sessiontest.New(handler)
		h.mu.Lock()
		h.sessions = append(h.sessions, rec)
		h.mu.Unlock()
		return rec
	}
	opts = append([]Option{WithObserver(func(ev session.Event) { h.observed <- ev })}, opts...)
	h.bridge = New(h.loop, factory, opts...)

	var err error
	h.do(t, func() { err = h.relay.Start() })
	if err != nil {
		t.Fatalf("relay Start: %v", err)
	}
	h.do(t, func() { err = h.bridge.Connect(context.Background(), h.relay.Address()) })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev := h.next(t); ev != (session.PeerConnected{}) {
		t.Fatalf("relay event = %s, want PeerConnected", ev.Name())
	}

	t.Cleanup(func() {
		h.do(t, h.bridge.Stop)
		h.do(t, h.relay.Stop)
		cancel()
	})
	return h
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	h.loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run callback")
	}
}

func (h *harness) next(t *testing.T) session.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay event")
		return nil
	}
}

func (h *harness) session(i int) *sessiontest.Recorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.sessions) {
		return nil
	}
	return h.sessions[i]
}

func (h *harness) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func expectCall(t *testing.T, rec *sessiontest.Recorder, want string) {
	t.Helper()
	select {
	case c := <-rec.Notify():
		if c.String() != want {
			t.Fatalf("session call = %q, want %q", c.String(), want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session call %q", want)
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	h := newHarness(t)
	rec := h.session(0)

	steps := []struct {
		op   func()
		call string
		ev   session.Event
	}{
		{h.relay.StartConversation, "StartConversation", session.ConversationStarted{}},
		{func() { h.relay.SetupForUser("mdm", "alice") }, "SetupForUser mdm alice", session.SetupComplete{}},
		{h.relay.Authenticate, "Authenticate", session.Authenticated{}},
		{h.relay.Authorize, "Authorize", session.Authorized{}},
		{func() { h.relay.Accredit(session.Establish) }, "Accredit establish", session.Accredited{}},
		{h.relay.OpenSession, "OpenSession", session.SessionOpened{}},
	}
	for _, step := range steps {
		h.do(t, step.op)
		expectCall(t, rec, step.call)
		h.do(t, func() { rec.Emit(step.ev) })
		if got := h.next(t); got != step.ev {
			t.Fatalf("relay event = %#v, want %#v", got, step.ev)
		}
		if got := <-h.observed; got != step.ev {
			t.Fatalf("observed = %#v, want %#v", got, step.ev)
		}
	}
}

func TestBridgeForwardsFailureMessages(t *testing.T) {
	h := newHarness(t)
	rec := h.session(0)

	h.do(t, h.relay.StartConversation)
	expectCall(t, rec, "StartConversation")
	h.do(t, func() { rec.Emit(session.ConversationStarted{}) })
	h.next(t)

	h.do(t, func() { h.relay.Setup("mdm") })
	expectCall(t, rec, "Setup mdm")
	h.do(t, func() { rec.Emit(session.SetupFailed{Message: "no such service"}) })
	if got := h.next(t); got != (session.SetupFailed{Message: "no such service"}) {
		t.Fatalf("relay event = %#v", got)
	}
}

func TestBridgeForwardsHints(t *testing.T) {
	h := newHarness(t)
	rec := h.session(0)

	h.do(t, func() {
		h.relay.AnswerQuery("secret")
		h.relay.SelectSession("mate")
		h.relay.SelectLanguage("de_DE.UTF-8")
		h.relay.SelectLayout("de")
		h.relay.SelectUser("bob")
	})
	for _, want := range []string{
		"AnswerQuery secret",
		"SelectSession mate",
		"SelectLanguage de_DE.UTF-8",
		"SelectLayout de",
		"SelectUser bob",
	} {
		expectCall(t, rec, want)
	}
}

func TestBridgeCancelReplacesSession(t *testing.T) {
	h := newHarness(t)
	old := h.session(0)

	h.do(t, h.relay.Cancel)
	deadline := time.Now().Add(2 * time.Second)
	for h.sessionCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not create a new session")
		}
		time.Sleep(10 * time.Millisecond)
	}
	expectCall(t, old, "Close")

	// Events from the replaced session must not reach the relay.
	h.do(t, func() { old.Emit(session.ConversationStarted{}) })
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected relay event %s", ev.Name())
	case <-time.After(100 * time.Millisecond):
	}

	var current session.Session
	h.do(t, func() { current = h.bridge.Session() })
	if current != h.session(1) {
		t.Fatal("bridge is not driving the new session")
	}
}

func TestBridgeStartSessionHook(t *testing.T) {
	started := make(chan session.Session, 1)
	h := newHarness(t, WithStartSession(func(s session.Session) { started <- s }))
	rec := h.session(0)

	steps := []struct {
		op func()
		ev session.Event
	}{
		{h.relay.StartConversation, session.ConversationStarted{}},
		{func() { h.relay.Setup("mdm") }, session.SetupComplete{}},
		{h.relay.Authenticate, session.Authenticated{}},
		{h.relay.Authorize, session.Authorized{}},
		{func() { h.relay.Accredit(session.Establish) }, session.Accredited{}},
		{h.relay.OpenSession, session.SessionOpened{}},
	}
	for _, step := range steps {
		h.do(t, step.op)
		<-rec.Notify()
		h.do(t, func() { rec.Emit(step.ev) })
		h.next(t)
	}

	h.do(t, h.relay.StartSession)
	select {
	case s := <-started:
		if s != rec {
			t.Fatal("hook received the wrong session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start hook not called")
	}
	if rec.Count("StartSession") != 0 {
		t.Fatal("session started directly despite hook")
	}
}

func TestBridgeLeavesRelayAfterSessionStarts(t *testing.T) {
	h := newHarness(t)
	rec := h.session(0)

	h.do(t, func() { rec.Emit(session.SessionStarted{PID: 4242}) })

	// Out of order for the relay's tracker, but still delivered as an event.
	if got := h.next(t); got != (session.SessionStarted{PID: 4242}) {
		t.Fatalf("relay event = %#v", got)
	}
	if got := h.next(t); got != (session.PeerDisconnected{}) {
		t.Fatalf("relay event = %#v, want PeerDisconnected", got)
	}
	var connected bool
	h.do(t, func() { connected = h.bridge.Connected() })
	if connected {
		t.Fatal("bridge still connected after session start")
	}
}

func TestBridgeRelayCloseStopsSession(t *testing.T) {
	h := newHarness(t)
	rec := h.session(0)

	h.do(t, h.relay.Close)
	expectCall(t, rec, "Close")

	for {
		select {
		case ev := <-h.observed:
			if ev == (session.PeerDisconnected{}) {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("observer not told about disconnect")
		}
	}
}

func TestBridgeMembersMatchRelayOperations(t *testing.T) {
	want := []string{
		"AnswerQuery", "Authenticate", "Authorize", "Cancelled", "Close",
		"EstablishCredentials", "LanguageSelected", "LayoutSelected",
		"OpenSession", "RefreshCredentials", "SessionSelected", "Setup",
		"SetupForUser", "StartConversation", "StartSession", "UserSelected",
	}
	if got := Members(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Members() = %v, want %v", got, want)
	}
}

func TestOutboundCoversSessionOutcomes(t *testing.T) {
	inbound := map[string]bool{}
	for _, m := range relay.InboundMembers() {
		inbound[m] = true
	}
	events := []session.Event{
		session.ConversationStarted{}, session.SetupComplete{}, session.SetupFailed{},
		session.Authenticated{}, session.AuthenticationFailed{}, session.Authorized{},
		session.AuthorizationFailed{}, session.Accredited{}, session.AccreditationFailed{},
		session.SessionOpened{}, session.SessionOpenFailed{}, session.SessionStarted{},
		session.Info{}, session.Problem{}, session.InfoQuery{}, session.SecretInfoQuery{},
	}
	for _, ev := range events {
		member, _, ok := outbound(ev)
		if !ok {
			t.Errorf("%s is not forwarded", ev.Name())
			continue
		}
		if !inbound[member] {
			t.Errorf("relay does not accept %s", member)
		}
	}
}
