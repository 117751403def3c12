// Package minimal is the simplest possible Handler: a counter that
// increments once per Custom event and ignores everything else. It exists
// to exercise the EventLoop/CheckpointStore/Broadcaster wiring end to end
// without any game rules getting in the way.
package minimal

import (
	"encoding/json"
	"fmt"

	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/handler"
)

// BundleAddr is the well-known address reference handlers register under.
const BundleAddr = "bundle:minimal"

func init() {
	handler.Register(BundleAddr, func() handler.Handler { return &Handler{} })
}

// state is the handler-opaque blob, JSON-encoded into GameContext.StateBytes.
type state struct {
	Count uint64 `json:"count"`
}

// Handler implements handler.Handler.
type Handler struct{}

// InitState seeds the counter at zero.
func (h *Handler) InitState(ctx *gamectx.GameContext) error {
	return setState(ctx, state{Count: 0})
}

// Apply increments the counter on every Custom event; all other event
// kinds are accepted and leave the counter unchanged.
func (h *Handler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	s, err := getState(ctx)
	if err != nil {
		return nil, err
	}
	if ev.Kind == gamectx.EventCustom {
		s.Count++
	}
	if err := setState(ctx, s); err != nil {
		return nil, err
	}
	return &gamectx.Effect{}, nil
}

func getState(ctx *gamectx.GameContext) (state, error) {
	var s state
	if len(ctx.StateBytes) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(ctx.StateBytes, &s); err != nil {
		return s, fmt.Errorf("minimal: decode state: %w", err)
	}
	return s, nil
}

func setState(ctx *gamectx.GameContext, s state) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("minimal: encode state: %w", err)
	}
	ctx.SetState(b)
	return nil
}
