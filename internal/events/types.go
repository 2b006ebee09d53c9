// Package events defines the publish-subscribe event vocabulary shared by
// the login, character, and map servers.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Server lifecycle events
	EventServerStarted  EventType = "server_started"
	EventServerStopping EventType = "server_stopping"
	EventShutdown       EventType = "shutdown"

	// Interserver link events
	EventLinkUp            EventType = "link_up"
	EventLinkDown          EventType = "link_down"
	EventWorkerAttached    EventType = "worker_attached"
	EventWorkerDetached    EventType = "worker_detached"
	EventHandshakeRejected EventType = "handshake_rejected"

	// Player lifecycle events
	EventAccountRegistered EventType = "account_registered"
	EventCharCreated       EventType = "char_created"
	EventPasswordChanged   EventType = "password_changed"
	EventPlayerAuthorized  EventType = "player_authorized"
	EventPlayerOnline      EventType = "player_online"
	EventPlayerOffline     EventType = "player_offline"
	EventDuplicateLogin    EventType = "duplicate_login"
	EventCharSaved         EventType = "char_saved"

	// Protection events
	EventClientLockout EventType = "client_lockout"
)

// LinkState represents the state of an interserver link.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkDialing
	LinkHandshake
	LinkUp
)

// linkStateStrings maps LinkState values to their lowercase JSON string representation.
var linkStateStrings = map[LinkState]string{
	LinkDown:      "down",
	LinkDialing:   "dialing",
	LinkHandshake: "handshake",
	LinkUp:        "up",
}

// String returns the string representation of LinkState.
func (s LinkState) String() string {
	if str, ok := linkStateStrings[s]; ok {
		return str
	}
	return "down"
}

// MarshalJSON serializes LinkState as a JSON string (e.g. "up").
func (s LinkState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ServerPayload announces a server starting or stopping.
type ServerPayload struct {
	Role string
	Addr string
}

// LinkPayload describes an interserver link transition.
type LinkPayload struct {
	Peer  string
	Addr  string
	State LinkState
}

// WorkerPayload describes a map worker attaching to or detaching from
// the character directory.
type WorkerPayload struct {
	ServerIdx int
	Addr      string
	Maps      []uint16
}

// HandshakeRejectedPayload carries the reason a peer failed the
// interserver handshake.
type HandshakeRejectedPayload struct {
	Addr   string
	Reason string
}

// PlayerPayload identifies a player crossing an auth boundary.
type PlayerPayload struct {
	SessionID uint16
	CharID    uint32
	Name      string
	Addr      string
}

// DuplicateLoginPayload is emitted when a second login wins over a
// character that is already online.
type DuplicateLoginPayload struct {
	CharID uint32
	Name   string
}

// CharSavedPayload reports a character snapshot reaching the database.
type CharSavedPayload struct {
	CharID uint32
	Name   string
	Bytes  int
	Quit   bool
}

// LockoutPayload reports a client address entering DDoS lockout.
type LockoutPayload struct {
	Addr  string
	Fails uint32
}
