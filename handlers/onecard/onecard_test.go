package onecard

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/gamectx"
)

func newHand(t *testing.T) (*Handler, *gamectx.GameContext) {
	t.Helper()
	h := &Handler{}
	ctx := gamectx.New("game1", 0, BundleAddr, "transactor1")
	if err := h.InitState(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	return h, ctx
}

func decode(t *testing.T, ctx *gamectx.GameContext) state {
	t.Helper()
	var s state
	if err := json.Unmarshal(ctx.StateBytes, &s); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return s
}

func seatBoth(t *testing.T, h *Handler, ctx *gamectx.GameContext) *gamectx.Effect {
	t.Helper()
	sync := gamectx.NewSyncEvent([]gamectx.PlayerJoin{
		{Addr: "Alice", Position: 0, AccessVersion: 1},
		{Addr: "Bob", Position: 1, AccessVersion: 1},
	}, nil, "transactor1", 1)
	effect, err := h.Apply(ctx, sync)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	return effect
}

func TestSecondPlayerStartsTheHand(t *testing.T) {
	h, ctx := newHand(t)
	effect := seatBoth(t, h, ctx)

	s := decode(t, ctx)
	if s.Stage != stageDealing {
		t.Fatalf("stage = %q, want dealing", s.Stage)
	}
	if len(effect.RequestRandoms) != 1 || effect.RequestRandoms[0] != s.DeckID {
		t.Fatalf("expected a shuffle request for deck %d, got %v", s.DeckID, effect.RequestRandoms)
	}
	if effect.Dispatch == nil || effect.Dispatch.Timeout != ShowdownTimeout {
		t.Fatalf("expected a showdown timeout dispatch, got %+v", effect.Dispatch)
	}
	if got := s.Seats[0].Chips; got != InitialChips {
		t.Fatalf("chips = %d, want %d", got, InitialChips)
	}
}

func TestShowdownSettlesAnte(t *testing.T) {
	h, ctx := newHand(t)
	seatBoth(t, h, ctx)
	s := decode(t, ctx)

	if _, err := h.Apply(ctx, gamectx.Event{
		Kind:            gamectx.EventRandomnessReady,
		RandomnessReady: &gamectx.RandomnessReadyEvent{RandomID: s.DeckID},
	}); err != nil {
		t.Fatalf("randomness ready: %v", err)
	}
	ctx.ResolveRandom(s.DeckID)

	effect, err := h.Apply(ctx, gamectx.NewWaitTimeoutEvent())
	if err != nil {
		t.Fatalf("showdown: %v", err)
	}
	if len(effect.Settles) != 2 {
		t.Fatalf("settles = %v, want winner and loser entries", effect.Settles)
	}
	if effect.Settles[0].Amount != Ante || effect.Settles[1].Amount != -Ante {
		t.Fatalf("settle amounts = %d/%d, want +%d/-%d",
			effect.Settles[0].Amount, effect.Settles[1].Amount, Ante, Ante)
	}

	// Dealer position 0 deals card "2" to Alice and "3" to Bob, so Bob wins.
	if effect.Settles[0].PlayerID != 1 {
		t.Fatalf("winner = player %d, want Bob (1)", effect.Settles[0].PlayerID)
	}

	s = decode(t, ctx)
	if s.Stage != stageWaiting || s.Dealer != 1 {
		t.Fatalf("post-hand state = %+v, want waiting with rotated dealer", s)
	}
	if s.Seats[1].Chips != InitialChips+Ante || s.Seats[0].Chips != InitialChips-Ante {
		t.Fatalf("chips = %d/%d after showdown", s.Seats[0].Chips, s.Seats[1].Chips)
	}
}

func TestTimeoutWithoutShuffleFoldsHand(t *testing.T) {
	h, ctx := newHand(t)
	seatBoth(t, h, ctx)

	effect, err := h.Apply(ctx, gamectx.NewWaitTimeoutEvent())
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if len(effect.Settles) != 0 {
		t.Fatalf("folded hand must not settle, got %v", effect.Settles)
	}
	if s := decode(t, ctx); s.Stage != stageWaiting {
		t.Fatalf("stage = %q, want waiting", s.Stage)
	}
}

func TestPlayerActionsAreRejected(t *testing.T) {
	h, ctx := newHand(t)
	_, err := h.Apply(ctx, gamectx.NewCustomEvent("Alice", []byte(`{"bet":50}`)))
	if !errors.Is(err, errkind.Handler) {
		t.Fatalf("err = %v, want errkind.Handler", err)
	}
}

func TestLeaveBelowTwoSeatsResetsToWaiting(t *testing.T) {
	h, ctx := newHand(t)
	seatBoth(t, h, ctx)

	if _, err := h.Apply(ctx, gamectx.Event{Kind: gamectx.EventLeave, Leave: &gamectx.LeaveEvent{PlayerID: 1}}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	s := decode(t, ctx)
	if len(s.Seats) != 1 || s.Stage != stageWaiting {
		t.Fatalf("state after leave = %+v", s)
	}
}
