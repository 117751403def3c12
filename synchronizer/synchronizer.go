// Package synchronizer long-polls Transport for a game's on-chain roster
// and version state and publishes Sync events on the bus: a
// poll/diff/announce loop over the game account, with "remote
// settle_version greater than local" as the supersession signal that
// another server has taken over the game.
package synchronizer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/racehost/transactor/bus"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/metrics"
	"github.com/racehost/transactor/transport"
)

// ErrSuperseded marks the chain showing a settle_version this session
// never submitted, meaning another server settled out from under it. It
// wraps errkind.Integrity, so errors.Is matches either; SessionManager
// checks for this sentinel specifically to skip the automatic
// crash-restart, since restarting would only race the new leader.
var ErrSuperseded = errkind.Wrap(errkind.Integrity, "superseded by remote settle")

// Config controls poll cadence.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig polls every two seconds.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second}
}

// Synchronizer polls Transport.GetState for one game_addr and diffs it
// against the last roster/versions it has seen, feeding new players and
// servers to the EventLoop as Sync frames.
type Synchronizer struct {
	gameAddr string
	endpoint string // the EventLoop's bus endpoint to publish Sync frames to
	t        transport.Transport
	b        *bus.EventBus
	cfg      Config

	mu          sync.Mutex
	seenPlayers map[string]struct{}
	seenServers map[string]struct{}
	lastAccess  uint64
	lastSettle  uint64
}

// New creates a Synchronizer seeded with the GameContext's current
// versions and roster, so it only reports what's new since session start
// or resume.
func New(gameAddr, loopEndpoint string, t transport.Transport, b *bus.EventBus, cfg Config, ctx *gamectx.GameContext) *Synchronizer {
	s := &Synchronizer{
		gameAddr:    gameAddr,
		endpoint:    loopEndpoint,
		t:           t,
		b:           b,
		cfg:         cfg,
		seenPlayers: make(map[string]struct{}),
		seenServers: make(map[string]struct{}),
		lastAccess:  ctx.AccessVersion,
		lastSettle:  ctx.SettleVersion,
	}
	for _, p := range ctx.Players {
		s.seenPlayers[p.Addr] = struct{}{}
	}
	for _, sv := range ctx.Servers {
		s.seenServers[sv.Addr] = struct{}{}
	}
	return s
}

// ObserveSettled records that the local session has itself committed a
// settlement up through version (the session's Sink calls it when the
// settlement is queued for submission), so the next poll observing that same
// version on chain is not mistaken for another server having settled out
// from under it.
func (s *Synchronizer) ObserveSettled(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.lastSettle {
		s.lastSettle = version
	}
}

// Run polls until ctx is canceled or a supersession is detected. A
// supersession return is always errkind.Integrity: the session must stop
// and replay from checkpoint, never patch itself up in place the way a
// transient poll failure can.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Synchronizer) pollOnce(ctx context.Context) error {
	start := time.Now()
	state, err := s.t.GetState(ctx, s.gameAddr)
	metrics.SynchronizerPollLatency.WithLabelValues(s.gameAddr).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("[synchronizer] game_addr %s: poll failed: %v", s.gameAddr, err)
		return nil
	}

	s.mu.Lock()
	lastSettle := s.lastSettle
	s.mu.Unlock()
	if state.SettleVersion > lastSettle {
		return fmt.Errorf("synchronizer: game_addr %s: remote settle_version %d > local %d: %w", s.gameAddr, state.SettleVersion, lastSettle, ErrSuperseded)
	}

	s.mu.Lock()
	if state.AccessVersion <= s.lastAccess {
		s.mu.Unlock()
		return nil
	}

	var newPlayers []gamectx.PlayerJoin
	for _, p := range state.Players {
		if _, ok := s.seenPlayers[p.Addr]; !ok {
			s.seenPlayers[p.Addr] = struct{}{}
			newPlayers = append(newPlayers, p)
		}
	}
	var newServers []gamectx.ServerJoin
	for _, sv := range state.Servers {
		if _, ok := s.seenServers[sv.Addr]; !ok {
			s.seenServers[sv.Addr] = struct{}{}
			newServers = append(newServers, sv)
		}
	}
	s.lastAccess = state.AccessVersion
	s.mu.Unlock()

	if len(newPlayers) == 0 && len(newServers) == 0 {
		return nil
	}

	ev := gamectx.NewSyncEvent(newPlayers, newServers, state.TransactorAddr, state.AccessVersion)
	if err := s.b.Publish(s.endpoint, bus.Frame{Event: ev}); err != nil {
		log.Printf("[synchronizer] publish sync for %s: %v", s.gameAddr, err)
	}
	return nil
}
