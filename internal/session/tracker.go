package session

import (
	"errors"
	"fmt"
)

var (
	ErrClosed     = errors.New("session: closed")
	ErrOutOfOrder = errors.New("session: operation out of order")
	ErrBusy       = errors.New("session: another step is in progress")
)

// Op identifies a Session operation for order checking.
type Op int

const (
	OpStartConversation Op = iota
	OpSetup
	OpAuthenticate
	OpAuthorize
	OpEstablishCredentials
	OpRefreshCredentials
	OpOpenSession
	OpStartSession
	OpHint
	OpCancel
)

var opNames = map[Op]string{
	OpStartConversation:    "StartConversation",
	OpSetup:                "Setup",
	OpAuthenticate:         "Authenticate",
	OpAuthorize:            "Authorize",
	OpEstablishCredentials: "EstablishCredentials",
	OpRefreshCredentials:   "RefreshCredentials",
	OpOpenSession:          "OpenSession",
	OpStartSession:         "StartSession",
	OpHint:                 "Hint",
	OpCancel:               "Cancel",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// AccreditOp maps a credential flag onto its operation.
func AccreditOp(flag CredFlag) Op {
	if flag == Refresh {
		return OpRefreshCredentials
	}
	return OpEstablishCredentials
}

// Stage is how far a conversation has progressed.
type Stage int

const (
	StageNew Stage = iota
	StageConversation
	StageSetup
	StageAuthenticated
	StageAuthorized
	StageAccredited
	StageOpened
	StageStarted
	StageEnded
)

var stageNames = [...]string{
	"new", "conversation", "setup", "authenticated", "authorized",
	"accredited", "opened", "started", "ended",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Tracker enforces the setup, authenticate, authorize, accredit, open, start
// order of a conversation. It is not safe for concurrent use; implementations
// drive it from their event loop.
type Tracker struct {
	stage      Stage
	inflight   bool
	closed     bool
	passedAuth bool
}

func (t *Tracker) Stage() Stage { return t.stage }
func (t *Tracker) Closed() bool { return t.closed }

// Begin checks that op may be issued now and records it as in flight.
func (t *Tracker) Begin(op Op) error {
	if t.closed {
		return ErrClosed
	}

	switch op {
	case OpHint:
		return nil
	case OpCancel:
		t.stage = StageNew
		t.inflight = false
		t.passedAuth = false
		return nil
	case OpStartConversation:
		if t.stage != StageNew || t.inflight {
			return fmt.Errorf("%w: %s at stage %s", ErrOutOfOrder, op, t.stage)
		}
		t.inflight = true
		return nil
	case OpSetup:
		// A new setup abandons an unfinished attempt.
		if t.stage < StageConversation || t.stage >= StageOpened {
			return fmt.Errorf("%w: %s at stage %s", ErrOutOfOrder, op, t.stage)
		}
		t.stage = StageConversation
		t.inflight = true
		t.passedAuth = false
		return nil
	case OpRefreshCredentials:
		if t.stage < StageAccredited || t.stage >= StageEnded {
			return fmt.Errorf("%w: %s at stage %s", ErrOutOfOrder, op, t.stage)
		}
		if t.inflight {
			return fmt.Errorf("%w: %s", ErrBusy, op)
		}
		t.inflight = true
		return nil
	}

	want, ok := requiredStage[op]
	if !ok {
		return fmt.Errorf("%w: unknown operation %s", ErrOutOfOrder, op)
	}
	if t.stage != want {
		return fmt.Errorf("%w: %s at stage %s, want %s", ErrOutOfOrder, op, t.stage, want)
	}
	if t.inflight {
		return fmt.Errorf("%w: %s", ErrBusy, op)
	}
	t.inflight = true
	return nil
}

var requiredStage = map[Op]Stage{
	OpAuthenticate:         StageSetup,
	OpAuthorize:            StageAuthenticated,
	OpEstablishCredentials: StageAuthorized,
	OpOpenSession:          StageAccredited,
	OpStartSession:         StageOpened,
}

// Observe advances the tracker for an event reported by the conversation.
func (t *Tracker) Observe(ev Event) {
	switch ev.(type) {
	case ConversationStarted:
		t.stage, t.inflight = StageConversation, false
	case SetupComplete:
		t.stage, t.inflight = StageSetup, false
	case Authenticated:
		t.stage, t.inflight = StageAuthenticated, false
		t.passedAuth = true
	case Authorized:
		t.stage, t.inflight = StageAuthorized, false
	case Accredited:
		// A refresh reports Accredited again without rewinding the stage.
		if t.stage < StageAccredited {
			t.stage = StageAccredited
		}
		t.inflight = false
	case SessionOpened:
		t.stage, t.inflight = StageOpened, false
	case SessionStarted:
		t.stage, t.inflight = StageStarted, false
	case SessionExited, SessionDied, SessionStopped:
		t.stage, t.inflight = StageEnded, false
	case SetupFailed, AuthenticationFailed, AuthorizationFailed, AccreditationFailed, SessionOpenFailed:
		// The conversation survives a failed step; only a new setup may follow.
		t.stage, t.inflight = StageConversation, false
	}
}

// Close marks the conversation as torn down.
func (t *Tracker) Close() {
	t.closed = true
	t.inflight = false
}

// Authenticated reports whether the user passed authentication in the
// current attempt. It stays true when a later step fails.
func (t *Tracker) Authenticated() bool {
	return t.passedAuth && !t.closed
}
