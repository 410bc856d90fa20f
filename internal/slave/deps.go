package slave

import (
	"context"
	"errors"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/eventloop"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/greeter"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/hooks"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/session"
	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/xserver"
)

var (
	ErrDisplayUnreachable = errors.New("slave: unable to connect to display")
	ErrServerStart        = errors.New("slave: could not start the X server")
	ErrControlPlane       = errors.New("slave: control plane unavailable")
	ErrGreeterStart       = errors.New("slave: could not start the greeter")
	ErrAlreadyStarted     = errors.New("slave: already started")
)

const (
	// MaxConnectAttempts caps connect-to-display polling when no limit is
	// configured.
	MaxConnectAttempts = 10

	// ConnectInterval is the default delay between connection attempts.
	ConnectInterval = 500 * time.Millisecond

	migrateTimeout = 10 * time.Second
	controlTimeout = 25 * time.Second
)

// Default problem texts shown to the user when a step fails without one.
const (
	msgSetupFailed         = "Unable to initialize login system"
	msgAuthenticationError = "Unable to authenticate user"
	msgAuthorizationError  = "Unable to authorize user"
	msgAccreditationError  = "Unable to establish credentials"
	msgSessionOpenError    = "Unable to open session"
)

// Controller drives one display. Its methods must be called on the
// scheduler's goroutine; Done and Err may be used from anywhere.
type Controller interface {
	Start() error
	Stop()
	State() State
	Done() <-chan struct{}
	Err() error
}

type Server interface {
	Start() error
	Stop() error
	DisplayDevice() string
}

type ServerFactory func(handler func(xserver.Event)) Server

// DisplayConnector checks that a display accepts clients.
type DisplayConnector interface {
	Connect(ctx context.Context, display string) error
}

type Greeter interface {
	Start() error
	Stop()

	Ready()
	Reset()
	AuthenticationFailed()
	UserAuthorized()
	Info(text string)
	Problem(text string)
	InfoQuery(text string)
	SecretInfoQuery(text string)
	SelectedUserChanged(name string)
	DefaultLanguageNameChanged(name string)
	DefaultLayoutNameChanged(name string)
	DefaultSessionNameChanged(name string)
	RequestTimedLogin(username string, delay time.Duration)
}

type GreeterFactory func(handler greeter.Handler) Greeter

type SessionFactory func(handler session.Handler) session.Session

// Relay is a session forwarded to a product display.
type Relay interface {
	session.Session
	Start() error
	Stop()
	Address() string
}

type RelayFactory func(handler session.Handler) Relay

// Bridge carries a product display's real session to the factory's relay.
type Bridge interface {
	Connect(ctx context.Context, addr string) error
	Session() session.Session
	Stop()
}

// BridgeFactory builds a bridge whose relayed StartSession requests go to
// startSession and whose session events go to observer.
type BridgeFactory func(startSession func(session.Session), observer session.Handler) Bridge

type DisplayFactory interface {
	CreateProductDisplay(ctx context.Context, parentID, relayAddress string) (string, error)
}

type RelayLocator interface {
	GetRelayAddress(ctx context.Context) (string, error)
}

type Migrator interface {
	TryMigrate(ctx context.Context, username string) bool
}

type HookRunner interface {
	Run(ctx context.Context, hook hooks.Hook, login string) (*hooks.Result, error)
	ResolveLogin(ctx context.Context, name string) (string, error)
}

// Auditor records login history.
type Auditor interface {
	Log(eventType, display string, details map[string]any)
}

type Display struct {
	ID      string
	Name    string
	Seat    string
	IsLocal bool
}

type TimedLogin struct {
	Enabled bool
	User    string
	Delay   time.Duration
}

// Deps are the collaborators of a controller. Only the ones a variant uses
// need to be set.
type Deps struct {
	Sched   eventloop.Scheduler
	Display Display

	NewServer  ServerFactory
	Connector  DisplayConnector
	NewGreeter GreeterFactory
	NewSession SessionFactory
	NewRelay   RelayFactory
	NewBridge  BridgeFactory
	Factory    DisplayFactory
	Locator    RelayLocator
	Migrator   Migrator
	Hooks      HookRunner
	Audit      Auditor

	GreeterUser        string
	TimedLogin         TimedLogin
	ConnectInterval    time.Duration
	MaxConnectAttempts int
	ResetDelay         time.Duration
}

func (d *Deps) connectInterval() time.Duration {
	if d.ConnectInterval <= 0 {
		return ConnectInterval
	}
	return d.ConnectInterval
}

func (d *Deps) maxConnectAttempts() int {
	if d.MaxConnectAttempts <= 0 {
		return MaxConnectAttempts
	}
	return d.MaxConnectAttempts
}

// failureText returns msg, or the default text for the failed step when the
// event carried none.
func failureText(ev session.Event, msg string) string {
	if msg != "" {
		return msg
	}
	switch ev.(type) {
	case session.SetupFailed:
		return msgSetupFailed
	case session.AuthenticationFailed:
		return msgAuthenticationError
	case session.AuthorizationFailed:
		return msgAuthorizationError
	case session.AccreditationFailed:
		return msgAccreditationError
	case session.SessionOpenFailed:
		return msgSessionOpenError
	}
	return msg
}
