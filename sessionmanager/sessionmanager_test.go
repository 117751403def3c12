package sessionmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/racehost/transactor/broadcaster"
	"github.com/racehost/transactor/bus"
	"github.com/racehost/transactor/checkpoint"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/eventloop"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/handler"
	_ "github.com/racehost/transactor/handlers/minimal"
	"github.com/racehost/transactor/internal/testutil"
	"github.com/racehost/transactor/submitter"
	"github.com/racehost/transactor/synchronizer"
	"github.com/racehost/transactor/transport"
)

func newTestDeps() (*SessionManager, *testutil.MockTransport) {
	tr := testutil.NewMockTransport("testchain")
	tr.SetState("game1", transport.ChainState{TransactorAddr: "transactor1"})
	tr.SetBundle(transport.Bundle{Addr: "bundle:minimal", Name: "bundle:minimal"})

	deps := Deps{
		Handlers:     handler.NewBundleCache(),
		Checkpoints:  checkpoint.NewMemStore(),
		Broadcaster:  broadcaster.New(),
		SubmitConfig: submitter.DefaultConfig(),
		SyncConfig:   synchronizer.Config{PollInterval: 20 * time.Millisecond},
	}
	return New(deps), tr
}

func TestStartStop(t *testing.T) {
	m, tr := newTestDeps()

	h, err := m.Start(context.Background(), tr, "game1", "bundle:minimal", ModeTransactor, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.Running("game1") {
		t.Fatal("expected session to be running")
	}

	if err := m.Stop("game1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if m.Running("game1") {
		t.Fatal("expected session to have stopped")
	}
}

func TestStartTwiceFails(t *testing.T) {
	m, tr := newTestDeps()
	if _, err := m.Start(context.Background(), tr, "game1", "bundle:minimal", ModeTransactor, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop("game1")

	if _, err := m.Start(context.Background(), tr, "game1", "bundle:minimal", ModeTransactor, 0); err == nil {
		t.Fatal("expected second start for the same game_addr to fail")
	}
}

func TestEventCommitsThroughSession(t *testing.T) {
	m, tr := newTestDeps()
	h, err := m.Start(context.Background(), tr, "game1", "bundle:minimal", ModeTransactor, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop("game1")

	m.mu.RLock()
	s := m.sessions["game1"]
	m.mu.RUnlock()

	for i := 0; i < 5; i++ {
		if err := s.bus.Publish("loop:0", bus.Frame{GameID: 0, Event: gamectx.NewCustomEvent("p1", []byte("hi"))}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if !m.Running("game1") {
		t.Fatal("session should still be running after committing ordinary events")
	}
	_ = h
}

// crashyHandler fails every Custom event with a fatal integrity error, so
// a test can crash a session on demand by submitting one.
type crashyHandler struct{}

func (crashyHandler) InitState(ctx *gamectx.GameContext) error {
	ctx.SetState([]byte("{}"))
	return nil
}

func (crashyHandler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	if ev.Kind == gamectx.EventCustom {
		return nil, errkind.Wrap(errkind.Integrity, "crashy: boom")
	}
	return &gamectx.Effect{}, nil
}

func init() {
	handler.Register("bundle:crashy", func() handler.Handler { return crashyHandler{} })
}

func TestSupervisorRestartsOnceAfterCrash(t *testing.T) {
	m, tr := newTestDeps()
	tr.SetState("game2", transport.ChainState{TransactorAddr: "transactor1"})

	h, err := m.Start(context.Background(), tr, "game2", "bundle:crashy", ModeTransactor, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.SubmitEvent("game2", gamectx.NewCustomEvent("p1", []byte("boom"))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.Wait(); err == nil {
		t.Fatal("expected the crashed session to report an error")
	}
	if got := h.Reason(); got != ReasonCrashed {
		t.Fatalf("reason = %q, want %q", got, ReasonCrashed)
	}

	// The one automatic restart happens asynchronously; crash the restarted
	// incarnation too and it must give up rather than restart again.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Running("game2") {
			_ = m.SubmitEvent("game2", gamectx.NewCustomEvent("p1", []byte("boom")))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Running("game2") {
		m.Stop("game2")
		t.Fatal("expected the session to give up after its one automatic restart")
	}

	m.restartMu.Lock()
	restarted := m.restarted["game2"]
	m.restartMu.Unlock()
	if !restarted {
		t.Fatal("expected the automatic restart to have been recorded")
	}
}

func TestSupersededSessionIsNotRestarted(t *testing.T) {
	m, tr := newTestDeps()
	h, err := m.Start(context.Background(), tr, "game1", "bundle:minimal", ModeTransactor, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// A remote settle_version this session never submitted means another
	// server has taken over the game.
	tr.SetState("game1", transport.ChainState{TransactorAddr: "transactor1", SettleVersion: 99})

	if err := h.Wait(); err == nil {
		t.Fatal("expected the superseded session to report an error")
	}
	if got := h.Reason(); got != ReasonSuperseded {
		t.Fatalf("reason = %q, want %q", got, ReasonSuperseded)
	}

	// No automatic restart: superseded is a handover, not a crash.
	time.Sleep(100 * time.Millisecond)
	if m.Running("game1") {
		m.Stop("game1")
		t.Fatal("superseded session must not be restarted")
	}
	m.restartMu.Lock()
	restarted := m.restarted["game1"]
	m.restartMu.Unlock()
	if restarted {
		t.Fatal("supersession must not consume the crash-restart budget")
	}
}

func TestSubmitEventToUnknownGameIsProtocolError(t *testing.T) {
	m, _ := newTestDeps()
	err := m.SubmitEvent("nope", gamectx.NewCustomEvent("p1", nil))
	if !errors.Is(err, errkind.Protocol) {
		t.Fatalf("err = %v, want errkind.Protocol", err)
	}
}

var _ eventloop.Sink = (*sinkAdapter)(nil)
