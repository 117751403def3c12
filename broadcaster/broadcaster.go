// Package broadcaster fans out committed BroadcastFrames to websocket
// subscribers, guaranteeing a new subscriber's first frame is a full
// snapshot immediately followed, with no gap, by every frame committed
// after it subscribed.
package broadcaster

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/racehost/transactor/eventloop"
)

// ClientQueueDepth bounds how far a subscriber can lag behind before it is
// dropped rather than letting a stalled client apply backpressure to the
// whole broadcast fan-out.
const ClientQueueDepth = 64

type client struct {
	id    string // subscription id, for log correlation across connect/drop
	conn  *websocket.Conn
	queue chan eventloop.BroadcastFrame
}

// Broadcaster holds the latest committed frame per game (the snapshot a
// new subscriber receives) and the set of connected subscribers per game.
type Broadcaster struct {
	mu       sync.Mutex
	latest   map[uint64]eventloop.BroadcastFrame
	subs     map[uint64]map[*client]struct{}
	upgrader websocket.Upgrader
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		latest:   make(map[uint64]eventloop.BroadcastFrame),
		subs:     make(map[uint64]map[*client]struct{}),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Broadcast implements eventloop.Sink's broadcast half: it records f as
// the game's latest snapshot and fans it out to every currently
// subscribed client. Recording the snapshot and enumerating subscribers
// happen under the same lock so a subscriber that joins mid-broadcast
// either sees f as its snapshot or receives it on the tail, never both and
// never neither.
func (b *Broadcaster) Broadcast(f eventloop.BroadcastFrame) {
	b.mu.Lock()
	b.latest[f.GameID] = f
	clients := make([]*client, 0, len(b.subs[f.GameID]))
	for c := range b.subs[f.GameID] {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		select {
		case c.queue <- f:
		default:
			log.Printf("[broadcaster] game %d: dropping slow subscriber %s", f.GameID, c.id)
			b.drop(f.GameID, c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and subscribes it to the
// game named by the "game_id" query parameter, sending the current
// snapshot first.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gameID, err := parseGameID(r.URL.Query().Get("game_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[broadcaster] upgrade: %v", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, queue: make(chan eventloop.BroadcastFrame, ClientQueueDepth)}

	b.mu.Lock()
	snapshot, hasSnapshot := b.latest[gameID]
	if b.subs[gameID] == nil {
		b.subs[gameID] = make(map[*client]struct{})
	}
	b.subs[gameID][c] = struct{}{}
	b.mu.Unlock()

	if hasSnapshot {
		if err := c.conn.WriteJSON(snapshot); err != nil {
			log.Printf("[broadcaster] write snapshot: %v", err)
			b.drop(gameID, c)
			return
		}
	}

	b.tailLoop(gameID, c)
}

func (b *Broadcaster) tailLoop(gameID uint64, c *client) {
	defer b.drop(gameID, c)
	for f := range c.queue {
		if err := c.conn.WriteJSON(f); err != nil {
			log.Printf("[broadcaster] write frame: %v", err)
			return
		}
	}
}

func (b *Broadcaster) drop(gameID uint64, c *client) {
	b.mu.Lock()
	if set, ok := b.subs[gameID]; ok {
		delete(set, c)
	}
	b.mu.Unlock()
	c.conn.Close()
}

func parseGameID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("broadcaster: invalid game_id %q: %w", s, err)
	}
	return id, nil
}
