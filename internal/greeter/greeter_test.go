//go:build linux

package greeter

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
)

var tokenCounter atomic.Int64

func testTokens() (string, error) {
	return fmt.Sprintf("g%07d", tokenCounter.Add(1)), nil
}

type harness struct {
	loop    *eventloop.Loop
	channel *Channel
	events  chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{loop: eventloop.New(), events: make(chan Event, 32)}

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)

	h.channel = NewChannel(h.loop, "/org/mate/DisplayManager/Display1", func(ev Event) { h.events <- ev },
		WithChannelTokens(testTokens), WithChannelSocketDir("/tmp/mdm-greeter-test"))

	var err error
	h.do(t, func() { err = h.channel.Start() })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		h.do(t, h.channel.Stop)
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

func (h *harness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func dial(t *testing.T, addr string) *ipc.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := ipc.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func recv(t *testing.T, c *ipc.Conn) *ipc.Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func call(t *testing.T, c *ipc.Conn, member string, args ...any) *ipc.Message {
	t.Helper()
	msg, err := ipc.NewMethodCall(member, args...)
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	serial, err := c.Send(msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	reply := recv(t, c)
	if reply.ReplySerial != serial {
		t.Fatalf("reply serial = %d, want %d", reply.ReplySerial, serial)
	}
	return reply
}

func connect(t *testing.T, h *harness) *ipc.Conn {
	t.Helper()
	c := dial(t, h.channel.Address())
	if ev := h.next(t); ev != (Connected{}) {
		t.Fatalf("first event = %#v, want Connected", ev)
	}
	return c
}

func TestChannelTranslatesGreeterCalls(t *testing.T) {
	h := newHarness(t)
	c := connect(t, h)

	tests := []struct {
		member string
		args   []any
		want   Event
	}{
		{"BeginVerification", nil, BeginVerification{}},
		{"BeginVerificationForUser", []any{"alice"}, BeginVerificationForUser{Username: "alice"}},
		{"BeginAutoLogin", []any{"bob"}, BeginAutoLogin{Username: "bob"}},
		{"AnswerQuery", []any{"secret"}, QueryAnswer{Text: "secret"}},
		{"SelectSession", []any{"mate"}, SessionSelected{Name: "mate"}},
		{"SelectHostname", []any{"host"}, HostnameSelected{Name: "host"}},
		{"SelectLanguage", []any{"de_DE.UTF-8"}, LanguageSelected{Name: "de_DE.UTF-8"}},
		{"SelectLayout", []any{"de"}, LayoutSelected{Name: "de"}},
		{"SelectUser", []any{"carol"}, UserSelected{Name: "carol"}},
		{"StartSessionWhenReady", []any{true}, StartSessionWhenReady{}},
		{"StartSessionWhenReady", []any{false}, StartSessionLater{}},
		{"Cancel", nil, Cancelled{}},
		{"Disconnect", nil, Disconnected{}},
	}
	for _, tt := range tests {
		reply := call(t, c, tt.member, tt.args...)
		if reply.Kind != ipc.KindMethodReturn || len(reply.Args) != 0 {
			t.Fatalf("%s: reply = %s with %d args", tt.member, reply.Kind, len(reply.Args))
		}
		if ev := h.next(t); ev != tt.want {
			t.Fatalf("%s: event = %#v, want %#v", tt.member, ev, tt.want)
		}
	}
}

func TestChannelGetDisplayID(t *testing.T) {
	h := newHarness(t)
	c := connect(t, h)

	reply := call(t, c, "GetDisplayId")
	var id string
	if err := reply.Decode(&id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != "/org/mate/DisplayManager/Display1" {
		t.Fatalf("display id = %q", id)
	}
}

func TestChannelRejectsBadCalls(t *testing.T) {
	h := newHarness(t)
	c := connect(t, h)

	if reply := call(t, c, "Reboot"); reply.Kind != ipc.KindError {
		t.Fatalf("unknown method reply = %s", reply.Kind)
	}
	if reply := call(t, c, "SelectUser", 42); reply.Kind != ipc.KindError {
		t.Fatalf("bad argument reply = %s", reply.Kind)
	}
	// The connection survives bad calls.
	call(t, c, "BeginVerification")
	if ev := h.next(t); ev != (BeginVerification{}) {
		t.Fatalf("event = %#v", ev)
	}
}

func TestChannelSendsNotifications(t *testing.T) {
	h := newHarness(t)
	c := connect(t, h)

	h.do(t, func() {
		h.channel.Ready()
		h.channel.Problem("Unable to authenticate user")
		h.channel.SecretInfoQuery("Password:")
		h.channel.SelectedUserChanged("alice")
		h.channel.RequestTimedLogin("bob", 30*time.Second)
	})

	want := []string{"Ready", "Problem", "SecretInfoQuery", "SelectedUserChanged", "TimedLoginRequested"}
	for _, member := range want {
		msg := recv(t, c)
		if msg.Kind != ipc.KindSignal || msg.Member != member {
			t.Fatalf("got %s %s, want signal %s", msg.Kind, msg.Member, member)
		}
		if member == "TimedLoginRequested" {
			var user string
			var delay int32
			if err := msg.Decode(&user, &delay); err != nil || user != "bob" || delay != 30 {
				t.Fatalf("TimedLoginRequested args = (%q, %d), %v", user, delay, err)
			}
		}
	}
}

func TestChannelSinglePeer(t *testing.T) {
	h := newHarness(t)
	first := connect(t, h)

	second := dial(t, h.channel.Address())
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Recv(); err == nil {
		t.Fatal("second greeter connection was not closed")
	}

	first.Close()
	if ev := h.next(t); ev != (Disconnected{}) {
		t.Fatalf("event = %#v, want Disconnected", ev)
	}
	var connected bool
	h.do(t, func() { connected = h.channel.Connected() })
	if connected {
		t.Fatal("channel still reports a greeter")
	}
}

func TestNotificationsWithoutChannel(t *testing.T) {
	g := New(nil, Options{}, nil)
	g.Reset()
	g.Info("ignored")
	if g.Connected() {
		t.Fatal("unstarted greeter reports a connection")
	}
}

func TestEnvironment(t *testing.T) {
	u := &user.User{Username: "mdm", HomeDir: "/var/lib/mdm"}
	env := Environment(u, Options{
		DisplayName:    ":0",
		XAuthorityFile: "/var/run/mdm/auth",
		Seat:           "seat0",
	}, "unix:abstract=/tmp/mdm-greeter-abc")

	if !slices.IsSorted(env) {
		t.Fatal("environment is not sorted")
	}
	for _, want := range []string{
		"DISPLAY=:0",
		"HOME=/var/lib/mdm",
		"LOGNAME=mdm",
		"MDM_GREETER_ADDRESS=unix:abstract=/tmp/mdm-greeter-abc",
		"MDM_SEAT_ID=seat0",
		"RUNNING_UNDER_MDM=true",
		"XAUTHORITY=/var/run/mdm/auth",
	} {
		if !slices.Contains(env, want) {
			t.Errorf("environment lacks %q", want)
		}
	}
}

func TestGreeterProcessLifecycle(t *testing.T) {
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	dir := t.TempDir()
	out := filepath.Join(dir, "address")
	script := filepath.Join(dir, "greeter")
	body := fmt.Sprintf("#!/bin/sh\necho \"$%s\" > %s\nexit 4\n", AddressEnv, out)
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	current, err := user.Current()
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan Event, 4)
	g := New(loop, Options{
		Command:   script,
		User:      current.Username,
		SocketDir: "/tmp/mdm-greeter-test",
	}, func(ev Event) { events <- ev })
	g.lookup = func(string) (*user.User, error) { return current, nil }

	started := make(chan error, 1)
	loop.Post(func() { started <- g.Start() })
	if err := <-started; err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-events:
		if ev != (Exited{Code: 4}) {
			t.Fatalf("event = %#v, want Exited{4}", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("greeter exit not reported")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "unix:") {
		t.Fatalf("greeter saw address %q", data)
	}
}
