package slave

import (
	"errors"
	"testing"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/greeter"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
)

func startFactory(t *testing.T, h *harness) *Factory {
	t.Helper()
	f := NewFactory(h.deps)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.connect(t)
	return f
}

func TestFactoryCreatesProductDisplayWhenGreeterConnects(t *testing.T) {
	h := newHarness()
	f := startFactory(t, h)

	if !h.relay(t).started {
		t.Fatal("relay not started")
	}
	h.greeter(t).emit(greeter.Connected{})

	if len(h.factory.requests) != 1 {
		t.Fatalf("product display requests = %d, want 1", len(h.factory.requests))
	}
	want := productRequest{testDisplayID, f.Address()}
	if got := h.factory.requests[0]; got != want {
		t.Fatalf("request = %+v, want %+v", got, want)
	}
}

func TestFactoryRelaysConversation(t *testing.T) {
	h := newHarness()
	f := startFactory(t, h)
	g := h.greeter(t)
	r := h.relay(t)

	g.emit(greeter.Connected{})
	r.Emit(session.PeerConnected{})
	r.Emit(session.ConversationStarted{})
	g.emit(greeter.BeginVerification{})
	r.Emit(session.SetupComplete{})
	r.Emit(session.Authenticated{})
	r.Emit(session.Authorized{})
	r.Emit(session.Accredited{})
	r.Emit(session.SessionOpened{})
	r.Emit(session.SessionStarted{PID: 99})

	assertCalls(t, "relay", r.Calls(), []string{
		"StartConversation",
		"Setup mdm",
		"Authenticate",
		"Authorize",
		"Accredit establish",
		"OpenSession",
		"StartSession",
	})
	assertCalls(t, "greeter", g.calls, []string{"Start", "Ready", "Reset", "Reset"})
	if f.State() != StateStartingSession {
		t.Fatalf("state = %v, want %v", f.State(), StateStartingSession)
	}
}

func TestFactoryForwardsGreeterRequests(t *testing.T) {
	h := newHarness()
	startFactory(t, h)
	g := h.greeter(t)
	r := h.relay(t)

	g.emit(greeter.BeginVerificationForUser{Username: "alice"})
	g.emit(greeter.QueryAnswer{Text: "pw"})
	g.emit(greeter.SessionSelected{Name: "mate"})
	g.emit(greeter.LanguageSelected{Name: "C"})
	g.emit(greeter.LayoutSelected{Name: "us"})
	g.emit(greeter.UserSelected{Name: "alice"})
	g.emit(greeter.BeginAutoLogin{Username: "bob"})
	g.emit(greeter.Cancelled{})

	assertCalls(t, "relay", r.Calls(), []string{
		"SetupForUser mdm alice",
		"AnswerQuery pw",
		"SelectSession mate",
		"SelectLanguage C",
		"SelectLayout us",
		"SelectUser alice",
		"SetupForUser mdm-autologin bob",
		"Cancel",
		"StartConversation",
	})
}

func TestFactoryReplacesRelayOnDisconnect(t *testing.T) {
	h := newHarness()
	f := startFactory(t, h)
	g := h.greeter(t)
	g.emit(greeter.Connected{})
	first := h.relay(t)
	first.Emit(session.PeerConnected{})

	first.Emit(session.PeerDisconnected{})

	if len(h.relays) != 2 {
		t.Fatalf("relays = %d, want 2", len(h.relays))
	}
	second := h.relay(t)
	if !first.stopped || !first.Closed() {
		t.Fatal("old relay not torn down")
	}
	if !second.started || f.Address() != second.Address() || second.Address() == first.Address() {
		t.Fatalf("relay address %q not replaced (old %q)", f.Address(), first.Address())
	}
	if g.count("Reset") != 1 {
		t.Fatalf("greeter calls = %q, want one Reset", g.calls)
	}
	if len(h.factory.requests) != 2 || h.factory.requests[1].address != second.Address() {
		t.Fatalf("product display requests = %+v", h.factory.requests)
	}

	// Late events from the old relay are ignored.
	first.Emit(session.SetupComplete{})
	if n := second.Count("Authenticate"); n != 0 {
		t.Fatalf("new relay authenticated %d times", n)
	}
}

func TestFactoryFailureResetsGreeterAfterDelay(t *testing.T) {
	h := newHarness()
	startFactory(t, h)
	g := h.greeter(t)
	r := h.relay(t)

	r.Emit(session.AuthorizationFailed{})
	r.Emit(session.AuthenticationFailed{Message: "Sorry"})
	if g.count("Problem Unable to authorize user") != 1 || g.count("Problem Sorry") != 1 {
		t.Fatalf("greeter calls = %q", g.calls)
	}

	h.sched.Advance(FactoryResetDelay - time.Millisecond)
	if g.count("Reset") != 0 {
		t.Fatal("greeter reset before the delay")
	}
	h.sched.Advance(time.Millisecond)
	if n := g.count("Reset"); n != 1 {
		t.Fatalf("resets = %d, want 1", n)
	}
}

func TestFactoryProductDisplayErrorIsNotFatal(t *testing.T) {
	h := newHarness()
	h.factory.err = errors.New("no such name")
	f := startFactory(t, h)
	h.greeter(t).emit(greeter.Connected{})

	if isDone(f) {
		t.Fatalf("controller stopped: %v", f.Err())
	}
}

func TestFactoryRelayStartFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.deps.NewRelay = func(handler session.Handler) Relay {
		return &fakeRelay{startErr: errors.New("address in use")}
	}
	f := NewFactory(h.deps)

	if err := f.Start(); !errors.Is(err, ErrControlPlane) {
		t.Fatalf("Start = %v, want %v", err, ErrControlPlane)
	}
	if h.server.handler != nil {
		t.Fatal("server started without a relay")
	}
}

func TestFactoryStopTearsDown(t *testing.T) {
	h := newHarness()
	f := startFactory(t, h)
	r := h.relay(t)
	f.Stop()

	if !r.stopped || h.greeter(t).count("Stop") != 1 || h.server.stopped != 1 {
		t.Fatalf("relay stopped=%v greeter=%q server stops=%d", r.stopped, h.greeter(t).calls, h.server.stopped)
	}
	if f.Err() != nil {
		t.Fatalf("Err = %v", f.Err())
	}
}
