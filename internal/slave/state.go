package slave

// State is where a controller is in the life of its display.
type State int

const (
	StateIdle State = iota
	StateServerStarting
	StateServerReady
	StateConnectingToDisplay
	StateGreeterRunning
	StateConversationStarted
	StateSettingUp
	StateAuthenticating
	StateAuthorizing
	StateAccrediting
	StateOpeningSession
	StateStartingSession
	StateSessionLive
	StateResetting
	StateStopped
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateServerStarting:      "server-starting",
	StateServerReady:         "server-ready",
	StateConnectingToDisplay: "connecting-to-display",
	StateGreeterRunning:      "greeter-running",
	StateConversationStarted: "conversation-started",
	StateSettingUp:           "setting-up",
	StateAuthenticating:      "authenticating",
	StateAuthorizing:         "authorizing",
	StateAccrediting:         "accrediting",
	StateOpeningSession:      "opening-session",
	StateStartingSession:     "starting-session",
	StateSessionLive:         "session-live",
	StateResetting:           "resetting",
	StateStopped:             "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
