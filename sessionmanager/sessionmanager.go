// Package sessionmanager owns the lifecycle of every game_addr the process
// currently hosts: loading or resuming its GameContext, wiring a fresh
// EventLoop/Submitter/Synchronizer/record-file set behind a shared bus,
// running them under one errgroup, and routing the EventLoop's Sink calls
// (Settle/Broadcast/Bridge/Launch) to the right place — including
// spawning the nested EventLoop a LaunchSubGame effect asks for. The same
// component set the process entry point wires once is wired and torn down
// here per game on demand.
package sessionmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/racehost/transactor/broadcaster"
	"github.com/racehost/transactor/bus"
	"github.com/racehost/transactor/checkpoint"
	"github.com/racehost/transactor/checkpoint/recordfile"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/eventloop"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/handler"
	"github.com/racehost/transactor/metrics"
	"github.com/racehost/transactor/submitter"
	"github.com/racehost/transactor/synchronizer"
	"github.com/racehost/transactor/transport"
)

// Mode distinguishes a session that owns settlement and chain sync
// (Transactor) from one that only replays/observes (Validator).
type Mode string

const (
	ModeTransactor Mode = "transactor"
	ModeValidator  Mode = "validator"
)

// loopMode maps a session's mode onto the EventLoop's: only a Transactor
// session's loops may fire dispatch timers of their own.
func loopMode(m Mode) eventloop.Mode {
	if m == ModeValidator {
		return eventloop.ModeValidator
	}
	return eventloop.ModeTransactor
}

// Deps bundles every capability shared across all games one process
// hosts. A single Deps is handed to New and reused for every Start call.
type Deps struct {
	Handlers     *handler.BundleCache
	Checkpoints  checkpoint.Store
	Broadcaster  *broadcaster.Broadcaster
	Signer       submitter.Signer // optional; nil disables settlement signing
	RecordDir    string           // optional; empty disables event-record logging
	SubmitConfig submitter.Config
	SyncConfig   synchronizer.Config
}

// session is one running game_addr: a master EventLoop (game id 0) plus
// however many sub-games it has launched, sharing one bus, one Submitter,
// and, for a Transactor, one Synchronizer.
type session struct {
	gameAddr   string
	bundleAddr string
	mode       Mode
	t          transport.Transport

	bus  *bus.EventBus
	sub  *submitter.Submitter
	sync *synchronizer.Synchronizer

	cancel context.CancelFunc
	group  *errgroup.Group
	runCtx context.Context

	mu    sync.Mutex
	loops map[uint64]*eventloop.EventLoop
	recs  map[uint64]*recordfile.Writer

	done     chan struct{}
	doneOnce sync.Once
	stopErr  error
}

// SessionManager is the Sink every running session's EventLoop routes
// Settle/Broadcast/Bridge/Launch frames through, keyed by game_addr.
type SessionManager struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*session

	restartMu sync.Mutex
	restarted map[string]bool // game_addr -> already auto-restarted once since last explicit Stop
}

// New creates a SessionManager sharing deps across every game it starts.
func New(deps Deps) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*session),
		restarted: make(map[string]bool),
		deps:      deps,
	}
}

// Reason classifies how a session ended.
type Reason string

const (
	ReasonGraceful   Reason = "graceful"
	ReasonCrashed    Reason = "crashed"
	ReasonSuperseded Reason = "superseded"
)

// ReasonOf maps a session's terminal error to its close reason.
func ReasonOf(err error) Reason {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ReasonGraceful
	case errors.Is(err, synchronizer.ErrSuperseded):
		return ReasonSuperseded
	default:
		return ReasonCrashed
	}
}

// Handle lets a caller observe a started session's outcome.
type Handle struct {
	GameAddr string
	s        *session
}

// Wait blocks until the session has stopped for any reason (graceful stop,
// crash exhausting the one automatic restart, or supersession), returning
// the terminal error if any. A graceful stop returns nil, as Stop does.
func (h *Handle) Wait() error {
	<-h.s.done
	if errors.Is(h.s.stopErr, context.Canceled) {
		return nil
	}
	return h.s.stopErr
}

// Reason reports how the session ended. Only meaningful after Wait returns.
func (h *Handle) Reason() Reason {
	return ReasonOf(h.s.stopErr)
}

// Start loads or resumes game_addr's master GameContext from t and the
// configured checkpoint.Store and runs its session until Stop is called or
// it fails unrecoverably. initSettleVersion bounds which checkpoint to
// resume from; 0 means "the most recent".
func (m *SessionManager) Start(ctx context.Context, t transport.Transport, gameAddr, bundleAddr string, mode Mode, initSettleVersion uint64) (*Handle, error) {
	m.mu.Lock()
	if _, exists := m.sessions[gameAddr]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("sessionmanager: game_addr %s already running", gameAddr)
	}
	m.mu.Unlock()

	s, err := m.newSession(ctx, t, gameAddr, bundleAddr, mode, initSettleVersion)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[gameAddr] = s
	m.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues(string(mode)).Inc()

	go m.supervise(s)

	return &Handle{GameAddr: gameAddr, s: s}, nil
}

// supervise waits for a session to end and, on a non-context-cancellation
// error other than supersession, restarts it exactly once. A second crash
// for the same game_addr before an explicit Stop is terminal: one
// automatic restart, not a retry loop that could mask a deterministic,
// every-time Handler bug.
func (m *SessionManager) supervise(s *session) {
	<-s.done
	err := s.stopErr
	metrics.ActiveSessions.WithLabelValues(string(s.mode)).Dec()

	m.mu.Lock()
	stillCurrent := m.sessions[s.gameAddr] == s
	if stillCurrent {
		delete(m.sessions, s.gameAddr)
	}
	m.mu.Unlock()
	if !stillCurrent || err == nil || errors.Is(err, context.Canceled) {
		return
	}

	if errors.Is(err, synchronizer.ErrSuperseded) {
		log.Printf("[sessionmanager] game %s: superseded by another server, not restarting: %v", s.gameAddr, err)
		return
	}

	m.restartMu.Lock()
	already := m.restarted[s.gameAddr]
	if !already {
		m.restarted[s.gameAddr] = true
	}
	m.restartMu.Unlock()
	if already {
		log.Printf("[sessionmanager] game %s: crashed again after automatic restart, giving up: %v", s.gameAddr, err)
		return
	}

	log.Printf("[sessionmanager] game %s: crashed, restarting once: %v", s.gameAddr, err)
	metrics.SessionRestarts.WithLabelValues(s.gameAddr).Inc()

	ns, err := m.newSession(context.Background(), s.t, s.gameAddr, s.bundleAddr, s.mode, 0)
	if err != nil {
		log.Printf("[sessionmanager] game %s: restart failed: %v", s.gameAddr, err)
		return
	}
	m.mu.Lock()
	m.sessions[s.gameAddr] = ns
	m.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues(string(ns.mode)).Inc()
	go m.supervise(ns)
}

// Stop ends game_addr's session: it cancels the session's context, which
// unwinds every loop/Submitter/Synchronizer goroutine via ctx.Done(),
// then waits for them to drain. Stopping a master also stops every
// sub-game it launched: they share the same session context, so this
// falls out of the cancellation rather than needing its own recursive
// walk.
func (m *SessionManager) Stop(gameAddr string) error {
	m.mu.Lock()
	s, ok := m.sessions[gameAddr]
	if ok {
		delete(m.sessions, gameAddr)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sessionmanager: game_addr %s not running", gameAddr)
	}

	m.restartMu.Lock()
	m.restarted[gameAddr] = true // an explicit Stop preempts the crash-restart path
	m.restartMu.Unlock()

	s.cancel()
	<-s.done
	if s.stopErr != nil && !errors.Is(s.stopErr, context.Canceled) {
		return s.stopErr
	}
	return nil
}

// StopAll stops every running session, for process shutdown. Errors are
// logged rather than returned: at shutdown there is nobody left to act on
// a per-game failure, only an operator reading the log.
func (m *SessionManager) StopAll() {
	m.mu.RLock()
	addrs := make([]string, 0, len(m.sessions))
	for addr := range m.sessions {
		addrs = append(addrs, addr)
	}
	m.mu.RUnlock()

	for _, addr := range addrs {
		if err := m.Stop(addr); err != nil {
			log.Printf("[sessionmanager] game %s: stop: %v", addr, err)
		}
	}
}

// Running reports whether game_addr currently has an active session.
func (m *SessionManager) Running(gameAddr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[gameAddr]
	return ok
}

// SubmitEvent publishes an externally sourced event (a player's Custom
// event, a Leave) onto game_addr's bus, addressed to the master game's
// EventLoop. This is the ingress path: the RPC surface validates and
// decodes a request, then hands the resulting event here.
func (m *SessionManager) SubmitEvent(gameAddr string, ev gamectx.Event) error {
	m.mu.RLock()
	s, ok := m.sessions[gameAddr]
	m.mu.RUnlock()
	if !ok {
		return errkind.Wrap(errkind.Protocol, "sessionmanager: game_addr %s not running", gameAddr)
	}
	return s.bus.Publish("loop:0", bus.Frame{Source: "ingress", Event: ev})
}

// bundleResolver adapts a transport.Transport to handler.BundleResolver's
// narrower shape, converting transport.Bundle to handler.BundleInfo.
type bundleResolver struct{ t transport.Transport }

func (r bundleResolver) GetGameBundle(ctx context.Context, bundleAddr string) (handler.BundleInfo, error) {
	b, err := r.t.GetGameBundle(ctx, bundleAddr)
	if err != nil {
		return handler.BundleInfo{}, err
	}
	return handler.BundleInfo{Addr: b.Addr, Name: b.Name, Data: b.Data}, nil
}

func (m *SessionManager) newSession(ctx context.Context, t transport.Transport, gameAddr, bundleAddr string, mode Mode, initSettleVersion uint64) (*session, error) {
	gctx, err := restoreOrCreate(ctx, t, m.deps.Checkpoints, gameAddr, bundleAddr, initSettleVersion)
	if err != nil {
		return nil, err
	}

	h, err := m.deps.Handlers.GetOrLoadVia(ctx, gctx.GameID, bundleAddr, bundleResolver{t})
	if err != nil {
		return nil, errkind.Wrap(errkind.Handler, "sessionmanager: game %s: load handler: %v", gameAddr, err)
	}
	if len(gctx.StateBytes) == 0 {
		if err := h.InitState(gctx); err != nil {
			return nil, errkind.Wrap(errkind.Handler, "sessionmanager: game %s: init state: %v", gameAddr, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	s := &session{
		gameAddr:   gameAddr,
		bundleAddr: bundleAddr,
		mode:       mode,
		t:          t,
		bus:        bus.New(),
		cancel:     cancel,
		group:      group,
		runCtx:     groupCtx,
		loops:      make(map[uint64]*eventloop.EventLoop),
		recs:       make(map[uint64]*recordfile.Writer),
		done:       make(chan struct{}),
	}

	sub := submitter.New(gameAddr, t, m.deps.SubmitConfig, gctx.SettleVersion+1)
	if m.deps.Signer != nil {
		sub.SetSigner(m.deps.Signer)
	}
	s.sub = sub

	sink := &sinkAdapter{mgr: m, s: s}

	rec, err := openRecord(m.deps.RecordDir, gctx)
	if err != nil {
		log.Printf("[sessionmanager] game %s: event-record logging disabled: %v", gameAddr, err)
	} else if rec != nil {
		s.recs[gctx.GameID] = rec
	}

	loop, err := eventloop.New(gctx, h, s.bus, m.deps.Checkpoints, rec, sink, loopMode(mode))
	if err != nil {
		cancel()
		return nil, err
	}
	s.loops[gctx.GameID] = loop

	group.Go(func() error { return loop.Run(groupCtx) })
	group.Go(func() error { return sub.Run(groupCtx) })
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case r := <-sub.Results():
				if r.Err != nil {
					log.Printf("[sessionmanager] game %s: settle_version %d: %v", gameAddr, r.Version, r.Err)
				}
			}
		}
	})

	if mode == ModeTransactor {
		syncCfg := m.deps.SyncConfig
		if syncCfg.PollInterval == 0 {
			syncCfg = synchronizer.DefaultConfig()
		}
		sy := synchronizer.New(gameAddr, loop.Endpoint, t, s.bus, syncCfg, gctx)
		s.sync = sy
		group.Go(func() error { return sy.Run(groupCtx) })
	}

	go func() {
		err := group.Wait()
		s.bus.Close()
		s.closeRecords()
		s.stopErr = err
		s.doneOnce.Do(func() { close(s.done) })
	}()

	return s, nil
}

// restoreOrCreate builds game id 0's GameContext from the chain's current
// roster/versions, layering a resumed checkpoint's state/versions on top
// if one exists at or below initSettleVersion. The roster always comes
// from the chain, not the checkpoint; the Synchronizer is seeded from it,
// so after a resume only players and servers that join later are
// announced as Sync events.
func restoreOrCreate(ctx context.Context, t transport.Transport, store checkpoint.Store, gameAddr, bundleAddr string, initSettleVersion uint64) (*gamectx.GameContext, error) {
	state, err := t.GetState(ctx, gameAddr)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "sessionmanager: game %s: get_state: %v", gameAddr, err)
	}

	gctx := gamectx.New(gameAddr, 0, bundleAddr, state.TransactorAddr)
	gctx.Players = state.Players
	gctx.Servers = state.Servers
	for _, p := range state.Players {
		if _, ok := gctx.NodeByAddr(p.Addr); !ok {
			gctx.Nodes[p.Addr] = &gamectx.Node{Addr: p.Addr, ID: p.Position, Mode: gamectx.NodeModePlayer, Status: gamectx.NodePending, PendingVersion: state.AccessVersion}
		}
	}
	for _, sv := range state.Servers {
		if _, ok := gctx.NodeByAddr(sv.Addr); !ok {
			gctx.Nodes[sv.Addr] = &gamectx.Node{Addr: sv.Addr, Mode: gamectx.NodeModeValidator, Status: gamectx.NodePending, PendingVersion: state.AccessVersion}
		}
	}
	gctx.AccessVersion = state.AccessVersion

	var (
		cp    checkpoint.Checkpoint
		found bool
	)
	if initSettleVersion > 0 {
		cp, found, err = store.LoadAtOrBelow(ctx, gameAddr, 0, initSettleVersion)
	} else {
		cp, found, err = store.Load(ctx, gameAddr, 0)
	}
	if err != nil {
		return nil, err
	}
	if found {
		gctx.SettleVersion = cp.SettleVersion
		gctx.StateBytes = append([]byte(nil), cp.StateBytes...)
		if cp.AccessVersion > gctx.AccessVersion {
			gctx.AccessVersion = cp.AccessVersion
		}
		log.Printf("[sessionmanager] game %s: resumed from checkpoint at settle_version %d", gameAddr, cp.SettleVersion)
	} else {
		log.Printf("[sessionmanager] game %s: starting fresh", gameAddr)
	}
	return gctx, nil
}

// openRecord starts a fresh record-file segment named after the
// checkpoint boundary it builds on, so resuming a session after a restart
// never collides with a segment a prior run already wrote. A segment is
// never reopened: recordfile.Create refuses an existing path, and the
// segment then receives every event the session commits, across later
// checkpoints as well.
func openRecord(dir string, gctx *gamectx.GameContext) (*recordfile.Writer, error) {
	if dir == "" {
		return nil, nil
	}
	path := fmt.Sprintf("%s/%s-%d-%020d.rec", dir, sanitize(gctx.GameAddr), gctx.GameID, gctx.SettleVersion)
	return recordfile.Create(path, recordfile.Header{
		GameID:        gctx.GameID,
		BundleAddr:    gctx.BundleAddr,
		BaseSettleVer: gctx.SettleVersion,
		BaseAccessVer: gctx.AccessVersion,
	})
}

func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '/' || c == ':' {
			b[i] = '_'
		}
	}
	return string(b)
}

func (s *session) closeRecords() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.recs {
		if err := rec.Close(); err != nil {
			log.Printf("[sessionmanager] game %s: close record file for game %d: %v", s.gameAddr, id, err)
		}
	}
}
