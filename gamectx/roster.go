package gamectx

// PlayerJoin records a player's seat in the game roster, as observed by a
// Sync event. Position is the seat index the Handler uses to address the
// player; it never changes for the lifetime of the game.
type PlayerJoin struct {
	Addr          string
	Position      uint64
	AccessVersion uint64
	BalanceID     uint64
}

// ServerJoin records a validator/peer node joining the game's server set,
// as observed by a Sync event.
type ServerJoin struct {
	Addr          string
	Endpoint      string
	AccessVersion uint64
}

// NodeStatus is the lifecycle state of a server node inside a game.
// Transitions are one-directional except the Disconnected -> Ready
// reconnect path.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeConfirming
	NodeReady
	NodeDisconnected
)

func (s NodeStatus) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeConfirming:
		return "confirming"
	case NodeReady:
		return "ready"
	case NodeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// NodeMode distinguishes what role a tracked node plays in the game.
type NodeMode int

const (
	NodeModePlayer NodeMode = iota
	NodeModeTransactor
	NodeModeValidator
)

func (m NodeMode) String() string {
	switch m {
	case NodeModePlayer:
		return "player"
	case NodeModeTransactor:
		return "transactor"
	case NodeModeValidator:
		return "validator"
	default:
		return "unknown"
	}
}

// Node is a participant tracked by the GameContext alongside the
// player/server rosters: players by seat position, servers by address.
// The transactor itself is always the first Node. Sync handling never
// marks any node Disconnected; the EventLoop does so only for a player
// whose ActionTimeout event commits. PendingVersion is
// the access version whose chain confirmation the node is waiting on;
// it is meaningful only while Status is NodePending or NodeConfirming.
type Node struct {
	Addr           string
	ID             uint64
	Mode           NodeMode
	Status         NodeStatus
	PendingVersion uint64
}

// legalTransition reports whether moving from cur to next is allowed.
// Pending -> Confirming -> Ready is the join path; Ready <-> Disconnected
// is the liveness path. Any other edge (e.g. Pending -> Ready, skipping
// confirmation) is rejected so a buggy Sync diff can't silently promote an
// unconfirmed node.
func legalTransition(cur, next NodeStatus) bool {
	switch cur {
	case NodePending:
		return next == NodeConfirming
	case NodeConfirming:
		return next == NodeReady
	case NodeReady:
		return next == NodeDisconnected
	case NodeDisconnected:
		return next == NodeReady
	default:
		return false
	}
}

// Transition moves the node to next, returning false without modifying the
// node if the edge is illegal.
func (n *Node) Transition(next NodeStatus) bool {
	if !legalTransition(n.Status, next) {
		return false
	}
	n.Status = next
	return true
}
