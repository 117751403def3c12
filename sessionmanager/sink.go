package sessionmanager

import (
	"fmt"
	"log"

	"github.com/racehost/transactor/bus"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/eventloop"
	"github.com/racehost/transactor/gamectx"
)

// sinkAdapter implements eventloop.Sink for one session, routing each
// committed event's side effects to the session's own Submitter and bus
// (Settle, Bridge, Launch) or out to the shared Broadcaster (Broadcast).
type sinkAdapter struct {
	mgr *SessionManager
	s   *session
}

var _ eventloop.Sink = (*sinkAdapter)(nil)

// Settle forwards to the session's single Submitter: every game id within
// one session settles through the same ordered queue, since
// transport.SettleSubmission only addresses a game by GameAddr.
func (a *sinkAdapter) Settle(req eventloop.SettleRequest) {
	a.s.sub.Settle(req)
	if a.s.sync != nil {
		a.s.sync.ObserveSettled(req.SettleVersion)
	}
}

// Broadcast passes the frame straight to the shared Broadcaster.
func (a *sinkAdapter) Broadcast(f eventloop.BroadcastFrame) {
	if a.mgr.deps.Broadcaster != nil {
		a.mgr.deps.Broadcaster.Broadcast(f)
	}
}

// Bridge delivers the frame to the target game id's EventLoop over the
// same session's bus, wrapped back into a gamectx.Event the way any other
// publisher would. A target that isn't currently attached (e.g. a
// sub-game that already exited) is logged and dropped, per errkind.Protocol's
// "malformed frame or unknown sub-game id at bus ingress" contract.
func (a *sinkAdapter) Bridge(f eventloop.BridgeFrame) {
	endpoint := fmt.Sprintf("loop:%d", f.ToGameID)
	ev := gamectx.NewBridgeEvent(f.FromGameID, f.ToGameID, f.Raw)
	if err := a.s.bus.Publish(endpoint, bus.Frame{GameID: f.ToGameID, Event: ev}); err != nil {
		log.Printf("[sessionmanager] game %s: bridge to game %d: %v", a.s.gameAddr, f.ToGameID, errkind.Wrap(errkind.Protocol, "%v", err))
	}
}

// Launch spawns the EventLoop for a newly registered sub-game: a fresh
// GameContext at the given bundle, attached to the same session bus under
// its own endpoint, sharing this session's Submitter/Broadcaster/Sink so a
// bridge chain can nest arbitrarily deep. gamectx.LaunchSubGame has
// already recorded the handle on the master's context by the time this
// runs; this call is what actually makes the sub-game's loop exist.
func (a *sinkAdapter) Launch(f eventloop.LaunchFrame) {
	s := a.s
	s.mu.Lock()
	if _, exists := s.loops[f.GameID]; exists {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	gctx := gamectx.New(s.gameAddr, f.GameID, f.BundleAddr, s.t.Name())

	h, err := a.mgr.deps.Handlers.GetOrLoadVia(s.runCtx, f.GameID, f.BundleAddr, bundleResolver{s.t})
	if err != nil {
		log.Printf("[sessionmanager] game %s: sub-game %d: load handler: %v", s.gameAddr, f.GameID, err)
		return
	}
	if err := h.InitState(gctx); err != nil {
		log.Printf("[sessionmanager] game %s: sub-game %d: init state: %v", s.gameAddr, f.GameID, err)
		return
	}

	rec, err := openRecord(a.mgr.deps.RecordDir, gctx)
	if err != nil {
		log.Printf("[sessionmanager] game %s: sub-game %d: event-record logging disabled: %v", s.gameAddr, f.GameID, err)
	}

	loop, err := eventloop.New(gctx, h, s.bus, a.mgr.deps.Checkpoints, rec, a, loopMode(s.mode))
	if err != nil {
		log.Printf("[sessionmanager] game %s: sub-game %d: attach loop: %v", s.gameAddr, f.GameID, err)
		return
	}

	s.mu.Lock()
	s.loops[f.GameID] = loop
	if rec != nil {
		s.recs[f.GameID] = rec
	}
	s.mu.Unlock()

	s.group.Go(func() error { return loop.Run(s.runCtx) })
	log.Printf("[sessionmanager] game %s: launched sub-game %d (bundle %s)", s.gameAddr, f.GameID, f.BundleAddr)
}
