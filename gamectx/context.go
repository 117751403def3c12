// Package gamectx defines the in-memory state the EventLoop mutates on
// every event: identity, versions, roster, node liveness, the opaque
// handler state blob, and the randomness/decision/sub-game registries that
// sit alongside it. Nothing in this package talks to a network, a disk,
// or a clock: it is pure data plus the invariants that keep it
// consistent, with the loop that drives it living in eventloop.
package gamectx

import (
	"fmt"

	"github.com/racehost/transactor/errkind"
)

// SubGameHandle tracks one launched sub-game's address and bundle, as seen
// from its master game's context. The sub-game's own GameContext lives in
// a separate SessionManager-owned session; this is just the master's
// record that it exists and is reachable by bridge events.
type SubGameHandle struct {
	GameID     uint64
	BundleAddr string
}

// GameContext is the full mutable state of one running game, matching the
// data a Handler is handed on every event and the data a Checkpoint
// captures. All mutation during normal operation goes through its methods
// so version invariants can't be bypassed by a stray field write; the
// EventLoop is still the only caller that invokes them.
type GameContext struct {
	randomizer

	GameAddr   string
	GameID     uint64
	BundleAddr string

	AccessVersion uint64
	SettleVersion uint64

	Players []PlayerJoin
	Servers []ServerJoin
	Nodes   map[string]*Node

	TransactorAddr string
	StateBytes     []byte

	PendingDispatch *DispatchEvent

	SubGames map[uint64]*SubGameHandle
}

// New builds an empty GameContext for a freshly launched game. The
// transactor's own address is registered as the first Node in NodeReady
// status; it never goes through the Pending/Confirming path other nodes
// do.
func New(gameAddr string, gameID uint64, bundleAddr, transactorAddr string) *GameContext {
	c := &GameContext{
		randomizer:     newRandomizer(),
		GameAddr:       gameAddr,
		GameID:         gameID,
		BundleAddr:     bundleAddr,
		TransactorAddr: transactorAddr,
		Nodes:          make(map[string]*Node),
		SubGames:       make(map[uint64]*SubGameHandle),
	}
	c.Nodes[transactorAddr] = &Node{Addr: transactorAddr, Mode: NodeModeTransactor, Status: NodeReady}
	return c
}

// ApplySync folds a Sync event's roster diff into the context. It is the
// only path by which AccessVersion advances:
// any other caller trying to bump AccessVersion directly would have no
// method to do it through. Returns an error if ev.AccessVersion does not
// strictly increase, since a Sync event older than or equal to the current
// version indicates a replayed or out-of-order chain read.
//
// Every new player and server enters the Nodes table as Pending at the
// sync's access version. A later Sync proves the chain has committed
// every earlier access bump, so nodes still waiting on an older version
// are confirmed Ready here; a node that never heartbeated steps through
// Confirming on the way.
func (c *GameContext) ApplySync(ev *SyncEvent) error {
	if ev.AccessVersion <= c.AccessVersion {
		return fmt.Errorf("sync access_version %d does not advance from %d", ev.AccessVersion, c.AccessVersion)
	}
	for _, p := range ev.NewPlayers {
		c.Players = append(c.Players, p)
		if _, exists := c.Nodes[p.Addr]; !exists {
			c.Nodes[p.Addr] = &Node{Addr: p.Addr, ID: p.Position, Mode: NodeModePlayer, Status: NodePending, PendingVersion: ev.AccessVersion}
		}
	}
	for _, s := range ev.NewServers {
		c.Servers = append(c.Servers, s)
		if _, exists := c.Nodes[s.Addr]; !exists {
			mode := NodeModeValidator
			if s.Addr == ev.TransactorAddr {
				mode = NodeModeTransactor
			}
			c.Nodes[s.Addr] = &Node{Addr: s.Addr, Mode: mode, Status: NodePending, PendingVersion: ev.AccessVersion}
		}
	}
	c.AccessVersion = ev.AccessVersion

	for _, n := range c.Nodes {
		if n.PendingVersion >= ev.AccessVersion {
			continue
		}
		switch n.Status {
		case NodePending:
			n.Transition(NodeConfirming)
			n.Transition(NodeReady)
		case NodeConfirming:
			n.Transition(NodeReady)
		}
	}
	return nil
}

// TransitionNode moves addr's node to next through the status machine,
// rejecting unknown addresses and illegal edges with errkind.Integrity: a
// caller asking for an impossible transition is reacting to a roster view
// that has diverged from this context's.
func (c *GameContext) TransitionNode(addr string, next NodeStatus) error {
	n, ok := c.Nodes[addr]
	if !ok {
		return errkind.Wrap(errkind.Integrity, "gamectx: node transition for unknown addr %s", addr)
	}
	if !n.Transition(next) {
		return errkind.Wrap(errkind.Integrity, "gamectx: illegal node transition %s -> %s for %s", n.Status, next, addr)
	}
	return nil
}

// HeartbeatNode records contact from addr's node: first contact moves a
// Pending node to Confirming, and contact from a Disconnected node is a
// reconnect back to Ready. Any other status is unchanged — a heartbeat is
// never an error, and an unknown addr (a client that isn't on the roster
// yet) is ignored.
func (c *GameContext) HeartbeatNode(addr string) {
	n, ok := c.Nodes[addr]
	if !ok {
		return
	}
	switch n.Status {
	case NodePending:
		n.Transition(NodeConfirming)
	case NodeDisconnected:
		n.Transition(NodeReady)
	}
}

// PlayerNodeByID finds the node tracking the player seated at id. Only
// player-mode nodes are considered: server nodes are addressed by addr,
// and the transactor's own node shares ID 0 with the first seat.
func (c *GameContext) PlayerNodeByID(id uint64) (*Node, bool) {
	for _, n := range c.Nodes {
		if n.Mode == NodeModePlayer && n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// BumpSettle advances SettleVersion by one and returns the new value. The
// Submitter uses the returned value to order settlement submissions; it
// never skips or repeats a version because this is the only mutator.
func (c *GameContext) BumpSettle() uint64 {
	c.SettleVersion++
	return c.SettleVersion
}

// SetState replaces the handler-opaque state blob. Handlers call this from
// InitState and Apply; the EventLoop calls it only to restore the prior
// bytes when it rejects an event.
func (c *GameContext) SetState(b []byte) {
	c.StateBytes = b
}

// SetDispatch records the single outstanding scheduled event, replacing
// any previous one. GameContext enforces "at most one outstanding
// DispatchEvent" simply by having one field to hold it rather than a
// queue.
func (c *GameContext) SetDispatch(d *DispatchEvent) {
	c.PendingDispatch = d
}

// ClearDispatch drops the pending scheduled event, e.g. once it has fired.
func (c *GameContext) ClearDispatch() {
	c.PendingDispatch = nil
}

// LaunchSubGame registers a bridged-to sub-game under the given id.
func (c *GameContext) LaunchSubGame(gameID uint64, bundleAddr string) {
	c.SubGames[gameID] = &SubGameHandle{GameID: gameID, BundleAddr: bundleAddr}
}

// NodeByAddr looks up a tracked node, transactor or peer.
func (c *GameContext) NodeByAddr(addr string) (*Node, bool) {
	n, ok := c.Nodes[addr]
	return n, ok
}
