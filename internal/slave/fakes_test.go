package slave

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/greeter"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/hooks"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session/sessiontest"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/xserver"
)

const testDisplayID = "/org/mate/DisplayManager/Display1"

type fakeServer struct {
	handler  func(xserver.Event)
	startErr error
	started  bool
	stopped  int
}

func (s *fakeServer) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeServer) Stop() error {
	s.stopped++
	return nil
}

func (s *fakeServer) DisplayDevice() string { return "/dev/tty7" }

func (s *fakeServer) emit(ev xserver.Event) { s.handler(ev) }

type fakeConnector struct {
	failures int // attempts that fail before one succeeds; -1 fails forever
	calls    int
	display  string
}

func (c *fakeConnector) Connect(_ context.Context, display string) error {
	c.calls++
	c.display = display
	if c.failures < 0 || c.calls <= c.failures {
		return errors.New("connection refused")
	}
	return nil
}

type fakeGreeter struct {
	handler  greeter.Handler
	startErr error
	calls    []string
}

func (g *fakeGreeter) record(call string) { g.calls = append(g.calls, call) }

func (g *fakeGreeter) count(call string) int {
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGreeter) emit(ev greeter.Event) { g.handler(ev) }

func (g *fakeGreeter) Start() error {
	g.record("Start")
	return g.startErr
}

func (g *fakeGreeter) Stop()                 { g.record("Stop") }
func (g *fakeGreeter) Ready()                { g.record("Ready") }
func (g *fakeGreeter) Reset()                { g.record("Reset") }
func (g *fakeGreeter) AuthenticationFailed() { g.record("AuthenticationFailed") }
func (g *fakeGreeter) UserAuthorized()       { g.record("UserAuthorized") }

func (g *fakeGreeter) Info(text string)                       { g.record("Info " + text) }
func (g *fakeGreeter) Problem(text string)                    { g.record("Problem " + text) }
func (g *fakeGreeter) InfoQuery(text string)                  { g.record("InfoQuery " + text) }
func (g *fakeGreeter) SecretInfoQuery(text string)            { g.record("SecretInfoQuery " + text) }
func (g *fakeGreeter) SelectedUserChanged(name string)        { g.record("SelectedUserChanged " + name) }
func (g *fakeGreeter) DefaultLanguageNameChanged(name string) { g.record("DefaultLanguageNameChanged " + name) }
func (g *fakeGreeter) DefaultLayoutNameChanged(name string)   { g.record("DefaultLayoutNameChanged " + name) }
func (g *fakeGreeter) DefaultSessionNameChanged(name string)  { g.record("DefaultSessionNameChanged " + name) }

func (g *fakeGreeter) RequestTimedLogin(username string, delay time.Duration) {
	g.record("RequestTimedLogin " + username + " " + delay.String())
}

type fakeRelay struct {
	*sessiontest.Recorder
	address  string
	startErr error
	started  bool
	stopped  bool
}

func (r *fakeRelay) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	r.started = true
	return nil
}

func (r *fakeRelay) Stop()           { r.stopped = true }
func (r *fakeRelay) Address() string { return r.address }

type fakeBridge struct {
	startSession func(session.Session)
	observer     session.Handler
	session      *sessiontest.Recorder
	connectErr   error
	addr         string
	stopped      bool
}

func (b *fakeBridge) Connect(_ context.Context, addr string) error {
	if b.connectErr != nil {
		return b.connectErr
	}
	b.addr = addr
	b.session = sessiontest.New(b.observer)
	return nil
}

func (b *fakeBridge) Session() session.Session { return b.session }
func (b *fakeBridge) Stop()                    { b.stopped = true }

// relayStartSession simulates the factory asking the product to start the
// user session.
func (b *fakeBridge) relayStartSession() { b.startSession(b.session) }

type productRequest struct {
	parent, address string
}

type fakeFactory struct {
	requests []productRequest
	err      error
}

func (f *fakeFactory) CreateProductDisplay(_ context.Context, parentID, relayAddress string) (string, error) {
	f.requests = append(f.requests, productRequest{parentID, relayAddress})
	if f.err != nil {
		return "", f.err
	}
	return "/org/mate/DisplayManager/Product1", nil
}

type fakeLocator struct {
	addr string
	err  error
}

func (l *fakeLocator) GetRelayAddress(context.Context) (string, error) {
	return l.addr, l.err
}

type fakeMigrator struct {
	result bool
	users  []string
}

func (m *fakeMigrator) TryMigrate(_ context.Context, username string) bool {
	m.users = append(m.users, username)
	return m.result
}

type fakeHooks struct {
	runs []string
}

func (h *fakeHooks) Run(_ context.Context, hook hooks.Hook, login string) (*hooks.Result, error) {
	h.runs = append(h.runs, string(hook)+" "+login)
	return &hooks.Result{}, nil
}

func (h *fakeHooks) ResolveLogin(_ context.Context, name string) (string, error) {
	return name, nil
}

// fakeAuditor records "event user" per entry; user is empty when the entry
// names none.
type fakeAuditor struct {
	entries []string
}

func (a *fakeAuditor) Log(eventType, _ string, details map[string]any) {
	user, _ := details["user"].(string)
	a.entries = append(a.entries, strings.TrimSpace(eventType+" "+user))
}

// harness wires a controller to fakes driven by a manual scheduler.
type harness struct {
	sched     *eventloop.Manual
	server    *fakeServer
	connector *fakeConnector
	greeters  []*fakeGreeter
	sessions  []*sessiontest.Recorder
	relays    []*fakeRelay
	bridge    *fakeBridge
	factory   *fakeFactory
	locator   *fakeLocator
	migrator  *fakeMigrator
	hooks     *fakeHooks
	audit     *fakeAuditor
	deps      Deps
}

func newHarness() *harness {
	h := &harness{
		sched:     eventloop.NewManual(),
		server:    &fakeServer{},
		connector: &fakeConnector{},
		factory:   &fakeFactory{},
		locator:   &fakeLocator{addr: "unix:abstract=/tmp/mdm-session-abcdefgh"},
		migrator:  &fakeMigrator{},
		hooks:     &fakeHooks{},
		audit:     &fakeAuditor{},
	}
	h.deps = Deps{
		Sched: h.sched,
		Display: Display{
			ID:      testDisplayID,
			Name:    ":0",
			IsLocal: true,
		},
		NewServer: func(handler func(xserver.Event)) Server {
			h.server.handler = handler
			return h.server
		},
		Connector: h.connector,
		NewGreeter: func(handler greeter.Handler) Greeter {
			g := &fakeGreeter{handler: handler}
			h.greeters = append(h.greeters, g)
			return g
		},
		NewSession: func(handler session.Handler) session.Session {
			r := sessiontest.New(handler)
			h.sessions = append(h.sessions, r)
			return r
		},
		NewRelay: func(handler session.Handler) Relay {
			r := &fakeRelay{
				Recorder: sessiontest.New(handler),
				address:  "unix:abstract=/tmp/mdm-session-" + string(rune('a'+len(h.relays))),
			}
			h.relays = append(h.relays, r)
			return r
		},
		NewBridge: func(startSession func(session.Session), observer session.Handler) Bridge {
			h.bridge = &fakeBridge{startSession: startSession, observer: observer}
			return h.bridge
		},
		Factory:     h.factory,
		Locator:     h.locator,
		Migrator:    h.migrator,
		Hooks:       h.hooks,
		Audit:       h.audit,
		GreeterUser: "mdm",
	}
	return h
}

// connect brings the display up: the server reports ready and the first
// connection attempt succeeds.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.server.emit(xserver.Ready{})
	h.sched.Advance(ConnectInterval)
	if h.connector.calls != 1 {
		t.Fatalf("connect attempts = %d, want 1", h.connector.calls)
	}
}

func (h *harness) greeter(t *testing.T) *fakeGreeter {
	t.Helper()
	if len(h.greeters) == 0 {
		t.Fatal("no greeter was started")
	}
	return h.greeters[len(h.greeters)-1]
}

func (h *harness) session(t *testing.T) *sessiontest.Recorder {
	t.Helper()
	if len(h.sessions) == 0 {
		t.Fatal("no session was created")
	}
	return h.sessions[len(h.sessions)-1]
}

func (h *harness) relay(t *testing.T) *fakeRelay {
	t.Helper()
	if len(h.relays) == 0 {
		t.Fatal("no relay was created")
	}
	return h.relays[len(h.relays)-1]
}

func isDone(c Controller) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func assertCalls(t *testing.T, what string, got, want []string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("%s calls:\n got  %q\n want %q", what, got, want)
	}
}
