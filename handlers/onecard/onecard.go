// Package onecard is a two-player, one-card showdown Handler: each player
// antes, one card each is drawn from a requested shuffle, and the higher
// card takes the pot as a settlement. It is the reference Handler that
// exercises the full Effect surface — randomness requests, a scheduled
// timeout, and settlements — where minimal and chat exercise none of it.
package onecard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/handler"
)

// BundleAddr is the well-known address reference handlers register under.
const BundleAddr = "bundle:onecard"

func init() {
	handler.Register(BundleAddr, func() handler.Handler { return &Handler{} })
}

const (
	// InitialChips is every player's starting stack.
	InitialChips = 1000
	// Ante is the fixed bet both players post when the hand starts.
	Ante = 100
	// ShowdownTimeout bounds how long a hand may sit waiting for its
	// shuffle before the showdown fires.
	ShowdownTimeout = 30 * time.Second
)

// ranks orders the one-suit deck from weakest to strongest.
var ranks = []string{"2", "3", "4", "5", "6", "7", "8", "9", "t", "j", "q", "k", "a"}

type stage string

const (
	stageWaiting  stage = "waiting"  // fewer than two players seated
	stageDealing  stage = "dealing"  // shuffle requested, not yet ready
	stageShowdown stage = "showdown" // shuffle ready, timeout pending
)

type seat struct {
	Addr     string `json:"addr"`
	Position uint64 `json:"position"`
	Chips    int64  `json:"chips"`
}

// state is the handler-opaque blob, JSON-encoded into GameContext.StateBytes.
type state struct {
	Stage    stage  `json:"stage"`
	Dealer   uint64 `json:"dealer"` // rotates each hand
	DeckID   uint64 `json:"deck_id"`
	Seats    []seat `json:"seats"`
	HandsWon uint64 `json:"hands_won"`
}

// Handler implements handler.Handler.
type Handler struct{}

// InitState seeds an empty table.
func (h *Handler) InitState(ctx *gamectx.GameContext) error {
	return setState(ctx, state{Stage: stageWaiting})
}

// Apply advances the hand one event at a time. Player actions (Custom
// events) and randomness for an unknown deck or outside the dealing stage
// are handler errors; every other event kind either mutates state or is
// accepted unchanged.
func (h *Handler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	s, err := getState(ctx)
	if err != nil {
		return nil, err
	}

	effect := &gamectx.Effect{}
	switch ev.Kind {
	case gamectx.EventSync:
		h.seatNewPlayers(&s, ev.Sync)
		if s.Stage == stageWaiting && len(s.Seats) >= 2 {
			s.Stage = stageDealing
			s.DeckID = ctx.RequestRandom(ranks)
			effect.RequestRandoms = []uint64{s.DeckID}
			effect.Dispatch = gamectx.NewDispatch(gamectx.NewWaitTimeoutEvent(), ShowdownTimeout)
		}

	case gamectx.EventRandomnessReady:
		if ev.RandomnessReady == nil || ev.RandomnessReady.RandomID != s.DeckID {
			return nil, errkind.Wrap(errkind.Handler, "onecard: randomness for unknown deck")
		}
		if s.Stage != stageDealing {
			return nil, errkind.Wrap(errkind.Handler, "onecard: randomness outside dealing stage")
		}
		s.Stage = stageShowdown

	case gamectx.EventWaitTimeout:
		if s.Stage != stageShowdown {
			// Shuffle never arrived; fold the hand back to waiting with no
			// settlement rather than guessing a winner.
			s.Stage = stageWaiting
			break
		}
		settles, err := h.showdown(ctx, &s)
		if err != nil {
			return nil, err
		}
		effect.Settles = settles

	case gamectx.EventLeave:
		h.removeSeat(&s, ev.Leave)

	case gamectx.EventCustom:
		return nil, errkind.Wrap(errkind.Handler, "onecard: no player actions in a one-card hand")
	}

	if err := setState(ctx, s); err != nil {
		return nil, err
	}
	return effect, nil
}

func (h *Handler) seatNewPlayers(s *state, sync *gamectx.SyncEvent) {
	if sync == nil {
		return
	}
	for _, p := range sync.NewPlayers {
		s.Seats = append(s.Seats, seat{Addr: p.Addr, Position: p.Position, Chips: InitialChips})
	}
}

func (h *Handler) removeSeat(s *state, leave *gamectx.LeaveEvent) {
	if leave == nil {
		return
	}
	for i, st := range s.Seats {
		if st.Position == leave.PlayerID {
			s.Seats = append(s.Seats[:i], s.Seats[i+1:]...)
			break
		}
	}
	if len(s.Seats) < 2 {
		s.Stage = stageWaiting
	}
}

// showdown deals one card to each of the first two seats from the resolved
// shuffle and settles the antes: winner up, loser down. The card for seat
// i is the shuffle's option at index (dealer + i) mod deck size, so the
// outcome is a pure function of the recorded shuffle and the hand number.
func (h *Handler) showdown(ctx *gamectx.GameContext, s *state) ([]gamectx.Settle, error) {
	deck, ok := ctx.Random(s.DeckID)
	if !ok || deck.Status != gamectx.RandomReady {
		return nil, errkind.Wrap(errkind.Handler, "onecard: showdown before shuffle resolved")
	}
	if len(s.Seats) < 2 {
		return nil, errkind.Wrap(errkind.Handler, "onecard: showdown with fewer than two seats")
	}

	a, b := &s.Seats[0], &s.Seats[1]
	cardA := deck.Options[(s.Dealer)%uint64(len(deck.Options))]
	cardB := deck.Options[(s.Dealer+1)%uint64(len(deck.Options))]

	winner, loser := a, b
	if rankOf(cardB) > rankOf(cardA) {
		winner, loser = b, a
	}
	winner.Chips += Ante
	loser.Chips -= Ante

	s.Stage = stageWaiting
	s.Dealer++
	s.HandsWon++

	return []gamectx.Settle{
		{PlayerID: winner.Position, Amount: Ante, AssetID: "chips"},
		{PlayerID: loser.Position, Amount: -Ante, AssetID: "chips"},
	}, nil
}

func rankOf(card string) int {
	for i, r := range ranks {
		if r == card {
			return i
		}
	}
	return -1
}

func getState(ctx *gamectx.GameContext) (state, error) {
	var s state
	if len(ctx.StateBytes) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(ctx.StateBytes, &s); err != nil {
		return s, errkind.Wrap(errkind.Handler, "onecard: decode state: %v", err)
	}
	return s, nil
}

func setState(ctx *gamectx.GameContext, s state) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("onecard: encode state: %w", err)
	}
	ctx.SetState(b)
	return nil
}
