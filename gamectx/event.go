package gamectx

// EventKind labels which variant of Event is populated. These events
// never leave the process as a wire format, so there is no payload codec
// to pick, only a Go sum type.
type EventKind string

const (
	EventCustom          EventKind = "custom"
	EventReady           EventKind = "ready"
	EventSync            EventKind = "sync"
	EventServerLeave     EventKind = "server_leave"
	EventLeave           EventKind = "leave"
	EventGameStart       EventKind = "game_start"
	EventWaitTimeout     EventKind = "wait_timeout"
	EventActionTimeout   EventKind = "action_timeout"
	EventRandomnessReady EventKind = "randomness_ready"
	EventSecretsReady    EventKind = "secrets_ready"
	EventAnswerDecision  EventKind = "answer_decision"
	EventBridge          EventKind = "bridge"
	EventShutdown        EventKind = "shutdown"
)

// Event is a tagged union over every kind of frame the EventLoop accepts.
// Exactly one of the kind-specific fields is populated, matching Kind. Using one
// pointer field per variant (rather than an `any` payload) keeps the
// EventLoop's dispatch a plain switch with compile-time field access, and
// keeps Event itself copyable and comparable-by-value where it matters for
// tests.
type Event struct {
	Kind EventKind

	Custom          *CustomEvent
	Sync            *SyncEvent
	Leave           *LeaveEvent
	ActionTimeout   *ActionTimeoutEvent
	AnswerDecision  *AnswerDecisionEvent
	Bridge          *BridgeEvent
	RandomnessReady *RandomnessReadyEvent
}

// CustomEvent carries an application-defined raw payload from a player or
// peer, opaque to everything but the Handler.
type CustomEvent struct {
	Sender string
	Raw    []byte
}

// SyncEvent reports new players/servers observed on chain and the access
// version that observation corresponds to. This is the sole path by which
// AccessVersion advances inside the EventLoop.
type SyncEvent struct {
	NewPlayers     []PlayerJoin
	NewServers     []ServerJoin
	TransactorAddr string
	AccessVersion  uint64
}

// LeaveEvent reports a player departing the game.
type LeaveEvent struct {
	PlayerID uint64
}

// ActionTimeoutEvent reports that a specific player's action window expired.
type ActionTimeoutEvent struct {
	PlayerID uint64
}

// AnswerDecisionEvent carries a revealed value for a previously requested
// DecisionId.
type AnswerDecisionEvent struct {
	DecisionID uint64
	Value      []byte
}

// RandomnessReadyEvent reports that a requested RandomSpec has been
// resolved and is readable by the Handler.
type RandomnessReadyEvent struct {
	RandomID uint64
}

// BridgeEvent is sent from one game to another (master<->sub-game).
type BridgeEvent struct {
	FromGameID uint64
	ToGameID   uint64
	Raw        []byte
}

// NewCustomEvent builds a Custom event.
func NewCustomEvent(sender string, raw []byte) Event {
	return Event{Kind: EventCustom, Custom: &CustomEvent{Sender: sender, Raw: raw}}
}

// NewSyncEvent builds a Sync event.
func NewSyncEvent(players []PlayerJoin, servers []ServerJoin, transactorAddr string, accessVersion uint64) Event {
	return Event{Kind: EventSync, Sync: &SyncEvent{
		NewPlayers:     players,
		NewServers:     servers,
		TransactorAddr: transactorAddr,
		AccessVersion:  accessVersion,
	}}
}

// NewShutdownEvent builds the terminal Shutdown event.
func NewShutdownEvent() Event { return Event{Kind: EventShutdown} }

// NewWaitTimeoutEvent builds the WaitTimeout event fired when a
// DispatchEvent with no event payload of its own elapses.
func NewWaitTimeoutEvent() Event { return Event{Kind: EventWaitTimeout} }

// NewBridgeEvent builds a Bridge event targeting a specific sub-game.
func NewBridgeEvent(from, to uint64, raw []byte) Event {
	return Event{Kind: EventBridge, Bridge: &BridgeEvent{FromGameID: from, ToGameID: to, Raw: raw}}
}
