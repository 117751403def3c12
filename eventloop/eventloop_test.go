package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/racehost/transactor/bus"
	"github.com/racehost/transactor/checkpoint"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/gamectx"
)

type countingHandler struct {
	count int
}

func (h *countingHandler) InitState(ctx *gamectx.GameContext) error { return nil }

func (h *countingHandler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	if ev.Kind == gamectx.EventCustom && ev.Custom != nil && string(ev.Custom.Raw) == "reject me" {
		return nil, errkind.Wrap(errkind.Handler, "rejected")
	}
	h.count++
	if ev.Kind == gamectx.EventCustom && ev.Custom != nil && string(ev.Custom.Raw) == "settle" {
		return &gamectx.Effect{Settles: []gamectx.Settle{{PlayerID: 1, Amount: 5, AssetID: "chip"}}}, nil
	}
	if ev.Kind == gamectx.EventCustom && ev.Custom != nil && string(ev.Custom.Raw) == "dup bridge" {
		return &gamectx.Effect{BridgeEvents: []gamectx.BridgeEvent{
			{FromGameID: 1, ToGameID: 2, Raw: []byte("a")},
			{FromGameID: 1, ToGameID: 2, Raw: []byte("b")},
		}}, nil
	}
	return &gamectx.Effect{}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	settles  []SettleRequest
	frames   []BroadcastFrame
	bridges  []BridgeFrame
	launches []LaunchFrame
}

func (s *recordingSink) Launch(l LaunchFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launches = append(s.launches, l)
}

func (s *recordingSink) Settle(r SettleRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settles = append(s.settles, r)
}

func (s *recordingSink) Broadcast(f BroadcastFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) Bridge(b BridgeFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges = append(s.bridges, b)
}

func TestEventLoopCommitsAndBroadcasts(t *testing.T) {
	b := bus.New()
	ctx := gamectx.New("g1", 1, "bundle:test", "transactor1")
	h := &countingHandler{}
	sink := &recordingSink{}

	l, err := New(ctx, h, b, checkpoint.NewMemStore(), nil, sink, ModeTransactor)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()

	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 1, Event: gamectx.NewCustomEvent("p1", []byte("hi"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 1, Event: gamectx.NewShutdownEvent()}); err != nil {
		t.Fatalf("publish shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("event loop did not shut down")
	}

	if h.count != 1 {
		t.Fatalf("handler applied %d events, want 1 (shutdown doesn't bump count)", h.count)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 2 {
		t.Fatalf("broadcast frames = %d, want 2", len(sink.frames))
	}
}

func TestEventLoopRejectsHandlerErrorWithoutFatal(t *testing.T) {
	b := bus.New()
	ctx := gamectx.New("g1", 2, "bundle:test", "transactor1")
	h := &countingHandler{}
	sink := &recordingSink{}

	l, err := New(ctx, h, b, checkpoint.NewMemStore(), nil, sink, ModeTransactor)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()

	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 2, Event: gamectx.NewCustomEvent("p1", []byte("reject me"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 2, Event: gamectx.NewShutdownEvent()}); err != nil {
		t.Fatalf("publish shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error for a handler-rejected event: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not shut down")
	}
	if h.count != 0 {
		t.Fatalf("handler count = %d, want 0 (rejected event shouldn't commit)", h.count)
	}
}

func TestEventLoopSettleBumpsVersionAndCheckpoints(t *testing.T) {
	b := bus.New()
	ctx := gamectx.New("g1", 3, "bundle:test", "transactor1")
	h := &countingHandler{}
	sink := &recordingSink{}
	store := checkpoint.NewMemStore()

	l, err := New(ctx, h, b, store, nil, sink, ModeTransactor)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()

	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 3, Event: gamectx.NewCustomEvent("p1", []byte("settle"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 3, Event: gamectx.NewShutdownEvent()}); err != nil {
		t.Fatalf("publish shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not shut down")
	}

	cp, ok, err := store.Load(context.Background(), "g1", 3)
	if err != nil || !ok {
		t.Fatalf("checkpoint load: ok=%v err=%v", ok, err)
	}
	if cp.SettleVersion != 1 {
		t.Fatalf("checkpoint settle version = %d, want 1", cp.SettleVersion)
	}
}

func TestEventLoopRejectsDuplicateBridgeTargetAsFatal(t *testing.T) {
	b := bus.New()
	ctx := gamectx.New("g1", 4, "bundle:test", "transactor1")
	h := &countingHandler{}
	sink := &recordingSink{}

	l, err := New(ctx, h, b, checkpoint.NewMemStore(), nil, sink, ModeTransactor)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()

	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 4, Event: gamectx.NewCustomEvent("p1", []byte("dup bridge"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, errkind.Integrity) {
			t.Fatalf("run returned %v, want an errkind.Integrity error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not terminate on duplicated bridge target")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.bridges) != 0 {
		t.Fatalf("bridges = %d, want 0 (rejected effect must not emit)", len(sink.bridges))
	}
	if len(sink.frames) != 0 {
		t.Fatalf("broadcast frames = %d, want 0 (rejected effect must not broadcast)", len(sink.frames))
	}
}

// dispatchHandler schedules a WaitTimeout shortly after any Custom event,
// so a test can observe the timer path without a real game.
type dispatchHandler struct {
	timeout time.Duration
	fired   int
}

func (h *dispatchHandler) InitState(ctx *gamectx.GameContext) error { return nil }

func (h *dispatchHandler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	switch ev.Kind {
	case gamectx.EventCustom:
		return &gamectx.Effect{Dispatch: gamectx.NewDispatch(gamectx.NewWaitTimeoutEvent(), h.timeout)}, nil
	case gamectx.EventWaitTimeout:
		h.fired++
	}
	return &gamectx.Effect{}, nil
}

func TestEventLoopFiresDispatchOnSchedule(t *testing.T) {
	b := bus.New()
	ctx := gamectx.New("g1", 5, "bundle:test", "transactor1")
	h := &dispatchHandler{timeout: 100 * time.Millisecond}
	sink := &recordingSink{}

	l, err := New(ctx, h, b, checkpoint.NewMemStore(), nil, sink, ModeTransactor)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()

	start := time.Now()
	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 5, Event: gamectx.NewCustomEvent("p1", []byte("schedule"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The scheduled WaitTimeout must arrive as the second broadcast frame,
	// at its timeout plus bus latency, with the dispatch slot cleared.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.frames)
		sink.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled WaitTimeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond {
		t.Fatalf("timeout fired after %v, before its schedule", elapsed)
	}
	if elapsed > time.Second {
		t.Fatalf("timeout fired after %v, far beyond its schedule", elapsed)
	}

	sink.mu.Lock()
	second := sink.frames[1]
	sink.mu.Unlock()
	if second.Event.Kind != gamectx.EventWaitTimeout {
		t.Fatalf("second frame = %s, want wait_timeout", second.Event.Kind)
	}
	if ctx.PendingDispatch != nil {
		t.Fatal("dispatch slot not cleared after firing")
	}

	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 5, Event: gamectx.NewShutdownEvent()}); err != nil {
		t.Fatalf("publish shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not shut down")
	}
	if h.fired != 1 {
		t.Fatalf("WaitTimeout fired %d times, want 1", h.fired)
	}
}

func TestValidatorModeNeverFiresDispatchTimer(t *testing.T) {
	b := bus.New()
	ctx := gamectx.New("g1", 6, "bundle:test", "transactor1")
	h := &dispatchHandler{timeout: 50 * time.Millisecond}
	sink := &recordingSink{}

	l, err := New(ctx, h, b, checkpoint.NewMemStore(), nil, sink, ModeValidator)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()

	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 6, Event: gamectx.NewCustomEvent("p1", []byte("schedule"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Well past the 50ms schedule: a validator only replays the
	// transactor's events, so no WaitTimeout may appear on its own.
	time.Sleep(300 * time.Millisecond)

	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 6, Event: gamectx.NewShutdownEvent()}); err != nil {
		t.Fatalf("publish shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not shut down")
	}

	if h.fired != 0 {
		t.Fatalf("validator fired %d WaitTimeouts, want 0", h.fired)
	}
	if ctx.PendingDispatch == nil {
		t.Fatal("dispatch slot should still hold the scheduled event")
	}
}

func TestHandlerRejectionLeavesSyncUnapplied(t *testing.T) {
	b := bus.New()
	ctx := gamectx.New("g1", 7, "bundle:test", "transactor1")
	h := &rejectSyncHandler{}
	sink := &recordingSink{}

	l, err := New(ctx, h, b, checkpoint.NewMemStore(), nil, sink, ModeTransactor)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()

	sync := gamectx.NewSyncEvent([]gamectx.PlayerJoin{{Addr: "Alice", Position: 0}}, nil, "transactor1", 1)
	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 7, Event: sync}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(l.Endpoint, bus.Frame{GameID: 7, Event: gamectx.NewShutdownEvent()}); err != nil {
		t.Fatalf("publish shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not shut down")
	}

	if ctx.AccessVersion != 0 {
		t.Fatalf("access version = %d after rejected sync, want 0", ctx.AccessVersion)
	}
	if len(ctx.Players) != 0 {
		t.Fatalf("players = %v after rejected sync, want none", ctx.Players)
	}
	if _, ok := ctx.NodeByAddr("Alice"); ok {
		t.Fatal("rejected sync must not register nodes")
	}
}

// rejectSyncHandler refuses every Sync event, for asserting that a
// handler rejection leaves the roster and versions untouched.
type rejectSyncHandler struct{}

func (rejectSyncHandler) InitState(ctx *gamectx.GameContext) error { return nil }

func (rejectSyncHandler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	if ev.Kind == gamectx.EventSync {
		return nil, errkind.Wrap(errkind.Handler, "sync refused")
	}
	return &gamectx.Effect{}, nil
}
