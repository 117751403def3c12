// Package eventloop implements the single goroutine that is the sole
// mutator of a game's GameContext: read one event off the bus, evaluate
// it against the Handler, commit or reject the result, and cross a
// checkpoint boundary whenever SettleVersion advances. The loop reads one
// unit of work at a time and drives state forward deterministically; a
// rejected event restores the prior state bytes the way a reverted
// transaction restores a snapshot.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/racehost/transactor/bus"
	"github.com/racehost/transactor/checkpoint"
	"github.com/racehost/transactor/checkpoint/recordfile"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/handler"
	"github.com/racehost/transactor/metrics"
)

// SettleRequest is handed to the Submitter whenever a processed event
// advances SettleVersion.
type SettleRequest struct {
	GameID        uint64
	SettleVersion uint64
	Settles       []gamectx.Settle
}

// BroadcastFrame is handed to the Broadcaster after every successfully
// committed event, carrying enough to extend a subscriber's tail.
type BroadcastFrame struct {
	GameID        uint64
	AccessVersion uint64
	SettleVersion uint64
	Event         gamectx.Event
	StateBytes    []byte
}

// BridgeFrame is handed to the Sink for every bridge event a committed
// Effect produced, once validated. SessionManager routes it to the target
// game id's own EventLoop endpoint, possibly on a different session's bus.
type BridgeFrame struct {
	FromGameID uint64
	ToGameID   uint64
	Raw        []byte
}

// LaunchFrame is handed to the Sink whenever a committed Effect registers
// a new sub-game, so SessionManager can spawn the EventLoop that will
// actually run it — gamectx.LaunchSubGame only records the handle inside
// the master's context, it never starts anything by itself.
type LaunchFrame struct {
	MasterGameID uint64
	GameID       uint64
	BundleAddr   string
}

// Sink receives the side effects of committed events. The EventLoop
// never blocks indefinitely on a Sink call that isn't wired up: every
// method is expected to be a non-blocking queue (bounded channel) owned
// by the Submitter, Broadcaster, and SessionManager respectively.
type Sink interface {
	Settle(SettleRequest)
	Broadcast(BroadcastFrame)
	Bridge(BridgeFrame)
	Launch(LaunchFrame)
}

// Mode controls whether the loop may originate events of its own. A
// Transactor loop arms the pending DispatchEvent's timer and fires it off
// wall-clock; a Validator (or replay) loop only ever consumes inbound bus
// frames, so its event sequence is exactly the one the transactor
// recorded — firing its own timers would diverge from that record.
type Mode string

const (
	ModeTransactor Mode = "transactor"
	ModeValidator  Mode = "validator"
)

// EventLoop drives one game's GameContext to completion. A session's
// SessionManager owns exactly one EventLoop per active game id.
type EventLoop struct {
	Endpoint string // bus attach id, e.g. "loop:<game-id>"

	ctx   *gamectx.GameContext
	h     handler.Handler
	sub   *bus.Subscription
	store checkpoint.Store
	rec   *recordfile.Writer
	sink  Sink
	mode  Mode
}

// New builds an EventLoop for ctx, attaching to b under Endpoint. rec may
// be nil if event-record logging is disabled (e.g. in the Replayer, which
// publishes already-recorded events onto the bus and writes no new record).
func New(ctx *gamectx.GameContext, h handler.Handler, b *bus.EventBus, store checkpoint.Store, rec *recordfile.Writer, sink Sink, mode Mode) (*EventLoop, error) {
	endpoint := endpointFor(ctx.GameID)
	sub, err := b.Attach(endpoint, 256)
	if err != nil {
		return nil, err
	}
	return &EventLoop{
		Endpoint: endpoint,
		ctx:      ctx,
		h:        h,
		sub:      sub,
		store:    store,
		rec:      rec,
		sink:     sink,
		mode:     mode,
	}, nil
}

func endpointFor(gameID uint64) string {
	return fmt.Sprintf("loop:%d", gameID)
}

// Run processes frames until ctx is canceled, a Shutdown event commits, or
// a fatal error (errkind.Integrity or errkind.Storage) occurs. The caller
// is expected to trigger session recovery on a non-nil, non-context error.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		timer, stop := l.dispatchTimer()

		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()

		case frame, ok := <-l.sub.Frames:
			stop()
			if !ok {
				return nil
			}
			if err := l.processEvent(frame.Event); err != nil {
				return err
			}
			if frame.Event.Kind == gamectx.EventShutdown {
				return nil
			}

		case <-timerChan(timer):
			pending := l.pendingDispatchEvent()
			l.ctx.ClearDispatch()
			if err := l.processEvent(pending); err != nil {
				stop()
				return err
			}
		}
	}
}

// dispatchTimer arms the pending DispatchEvent's timer, Transactor mode
// only: a Validator loop never originates events, it replays the
// transactor's, so the transactor's own recorded WaitTimeout is the only
// one a validator ever sees.
func (l *EventLoop) dispatchTimer() (*time.Timer, func()) {
	d := l.ctx.PendingDispatch
	if d == nil || l.mode != ModeTransactor {
		return nil, func() {}
	}
	t := time.NewTimer(d.Timeout)
	return t, func() { t.Stop() }
}

func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (l *EventLoop) pendingDispatchEvent() gamectx.Event {
	if l.ctx.PendingDispatch == nil {
		return gamectx.NewWaitTimeoutEvent()
	}
	return l.ctx.PendingDispatch.Event
}

// processEvent evaluates one event against the Handler and, on success,
// applies its Effect and logs it to the record file. A Handler-classified
// error rejects the event and restores the prior state bytes without
// propagating; any other error is returned to the caller as fatal.
//
// The Handler runs before anything else touches the context: a Sync
// event's roster/version diff is only folded in once Apply has accepted
// the event, so a handler rejection leaves the context exactly as it was
// — roster, versions, and state bytes alike.
func (l *EventLoop) processEvent(ev gamectx.Event) error {
	start := time.Now()
	defer func() {
		metrics.EventCommitLatency.WithLabelValues(l.ctx.GameAddr).Observe(time.Since(start).Seconds())
	}()

	prevState := append([]byte(nil), l.ctx.StateBytes...)

	// Shutdown is recorded and broadcast like any committed event but never
	// reaches the Handler: it ends the loop, it does not advance the game.
	effect := &gamectx.Effect{}
	if ev.Kind != gamectx.EventShutdown {
		var err error
		effect, err = l.h.Apply(l.ctx, ev)
		if err != nil {
			if errors.Is(err, errkind.Handler) {
				log.Printf("[eventloop] game %d: rejected event %s: %v", l.ctx.GameID, ev.Kind, err)
				l.ctx.SetState(prevState)
				return nil
			}
			return err
		}
	}

	// A bridge batch that fails validation is fatal; reject it before the
	// roster, versions, record file or state bytes change.
	if effect != nil {
		if _, err := l.validateBridges(effect.BridgeEvents); err != nil {
			l.ctx.SetState(prevState)
			return err
		}
	}

	if ev.Kind == gamectx.EventSync && ev.Sync != nil {
		if err := l.ctx.ApplySync(ev.Sync); err != nil {
			return errkind.Wrap(errkind.Integrity, "eventloop: game %d: %v", l.ctx.GameID, err)
		}
	}
	l.trackNodes(ev)

	if l.rec != nil {
		if err := l.rec.Append(ev); err != nil {
			return err
		}
	}

	return l.applyEffect(ev, effect)
}

// trackNodes folds a committed event's liveness triggers into the node
// table: a Custom event is contact from its sender (first contact
// confirms a Pending node, contact from a Disconnected one is a
// reconnect), and an action timeout disconnects the player who let their
// window expire. These are committed-event side effects, so they run the
// same way on a replay.
func (l *EventLoop) trackNodes(ev gamectx.Event) {
	switch ev.Kind {
	case gamectx.EventCustom:
		if ev.Custom != nil {
			l.ctx.HeartbeatNode(ev.Custom.Sender)
		}
	case gamectx.EventActionTimeout:
		if ev.ActionTimeout != nil {
			if n, ok := l.ctx.PlayerNodeByID(ev.ActionTimeout.PlayerID); ok {
				n.Transition(gamectx.NodeDisconnected)
			}
		}
	}
}

// applyEffect folds a committed Effect into GameContext and notifies the
// Sink. Checkpoint save happens here, after the event record has already
// been appended and fsync'd: the digest computed over the post-effect
// state is only as durable as the record that produced it, so record
// first, checkpoint second.
func (l *EventLoop) applyEffect(ev gamectx.Event, effect *gamectx.Effect) error {
	if effect.IsEmpty() {
		l.broadcast(ev)
		return nil
	}

	// processEvent has already validated this batch before mutating
	// anything; this pass builds the frames handed to the Sink.
	bridges, err := l.validateBridges(effect.BridgeEvents)
	if err != nil {
		return err
	}

	for _, h := range effect.LaunchSubGames {
		l.ctx.LaunchSubGame(h.GameID, h.BundleAddr)
		if l.sink != nil {
			l.sink.Launch(LaunchFrame{MasterGameID: l.ctx.GameID, GameID: h.GameID, BundleAddr: h.BundleAddr})
		}
	}
	if effect.Dispatch != nil {
		l.ctx.SetDispatch(effect.Dispatch)
	}

	if len(effect.Settles) > 0 {
		settleVer := l.ctx.BumpSettle()
		if err := l.checkpointNow(effect.Settles); err != nil {
			return err
		}
		if l.sink != nil {
			l.sink.Settle(SettleRequest{GameID: l.ctx.GameID, SettleVersion: settleVer, Settles: effect.Settles})
		}
	}

	l.broadcast(ev)

	if l.sink != nil {
		for _, b := range bridges {
			l.sink.Bridge(b)
		}
	}

	return nil
}

// validateBridges rejects a batch of bridge events with errkind.Integrity
// if two target the same sub-game (DuplicatedBridgeEventTarget) or if one
// targets a sub-game id the context never launched (InvalidSubGameId; game
// id 0 always names the master and is always valid). It returns the
// frames to hand the Sink only once every event in the batch has passed.
func (l *EventLoop) validateBridges(events []gamectx.BridgeEvent) ([]BridgeFrame, error) {
	if len(events) == 0 {
		return nil, nil
	}
	seen := make(map[uint64]struct{}, len(events))
	frames := make([]BridgeFrame, 0, len(events))
	for _, be := range events {
		if _, dup := seen[be.ToGameID]; dup {
			return nil, errkind.Wrap(errkind.Integrity, "eventloop: game %d: duplicated bridge event target %d", l.ctx.GameID, be.ToGameID)
		}
		seen[be.ToGameID] = struct{}{}
		if be.ToGameID != 0 {
			if _, ok := l.ctx.SubGames[be.ToGameID]; !ok {
				return nil, errkind.Wrap(errkind.Integrity, "eventloop: game %d: invalid sub-game id %d", l.ctx.GameID, be.ToGameID)
			}
		}
		frames = append(frames, BridgeFrame{FromGameID: be.FromGameID, ToGameID: be.ToGameID, Raw: be.Raw})
	}
	return frames, nil
}

func (l *EventLoop) broadcast(ev gamectx.Event) {
	if l.sink == nil {
		return
	}
	l.sink.Broadcast(BroadcastFrame{
		GameID:        l.ctx.GameID,
		AccessVersion: l.ctx.AccessVersion,
		SettleVersion: l.ctx.SettleVersion,
		Event:         ev,
		StateBytes:    l.ctx.StateBytes,
	})
}

// checkpointNow saves the current GameContext to the Store, bundling the
// settlement's balance deltas and current node set as the checkpoint's
// shared data. Save failures are returned as-is (already errkind.Storage
// from the Store implementation) so the caller treats them as fatal.
func (l *EventLoop) checkpointNow(settles []gamectx.Settle) error {
	if l.store == nil {
		return nil
	}
	cp := checkpoint.Checkpoint{
		GameAddr:      l.ctx.GameAddr,
		GameID:        l.ctx.GameID,
		AccessVersion: l.ctx.AccessVersion,
		SettleVersion: l.ctx.SettleVersion,
		StateBytes:    append([]byte(nil), l.ctx.StateBytes...),
		SharedData:    l.sharedData(settles),
	}
	return l.store.Save(context.Background(), cp)
}

func (l *EventLoop) sharedData(settles []gamectx.Settle) checkpoint.SharedData {
	balances := make([]checkpoint.BalanceEntry, len(settles))
	for i, s := range settles {
		balances[i] = checkpoint.BalanceEntry{PlayerID: s.PlayerID, Amount: s.Amount}
	}
	nodes := make([]checkpoint.NodeEntry, 0, len(l.ctx.Nodes))
	for _, n := range l.ctx.Nodes {
		nodes = append(nodes, checkpoint.NodeEntry{Addr: n.Addr, Status: n.Status.String()})
	}
	return checkpoint.SharedData{Balances: balances, Nodes: nodes}
}
