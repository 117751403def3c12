// Package chat is a broadcast-only reference Handler: it appends every
// Custom "message" event to a log and never produces an Effect of its
// own, which makes it the smallest game that exercises subscriber
// snapshot/tail continuity without settlement noise.
package chat

import (
	"encoding/json"
	"fmt"

	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/handler"
)

// BundleAddr is the well-known address reference handlers register under.
const BundleAddr = "bundle:chat"

func init() {
	handler.Register(BundleAddr, func() handler.Handler { return &Handler{} })
}

// Message is one chat line, attributed to the sender address that raised
// the Custom event.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// state is the handler-opaque blob, JSON-encoded into GameContext.StateBytes.
type state struct {
	Messages []Message `json:"messages"`
}

// gameEvent mirrors the Rust example's single-variant GameEvent enum: the
// Custom event's raw payload decodes into this shape.
type gameEvent struct {
	Text string `json:"text"`
}

// Handler implements handler.Handler.
type Handler struct{}

// InitState seeds an empty message log.
func (h *Handler) InitState(ctx *gamectx.GameContext) error {
	return setState(ctx, state{})
}

// Apply appends the sender's message for every Custom event and leaves the
// log untouched for everything else.
func (h *Handler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	s, err := getState(ctx)
	if err != nil {
		return nil, err
	}

	if ev.Kind == gamectx.EventCustom && ev.Custom != nil {
		var ge gameEvent
		if err := json.Unmarshal(ev.Custom.Raw, &ge); err != nil {
			return nil, errkind.Wrap(errkind.Handler, "chat: malformed custom event from %s", ev.Custom.Sender)
		}
		s.Messages = append(s.Messages, Message{Sender: ev.Custom.Sender, Text: ge.Text})
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
		return s, fmt.Errorf("chat: decode state: %w", err)
	}
	return s, nil
}

func setState(ctx *gamectx.GameContext, s state) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("chat: encode state: %w", err)
	}
	ctx.SetState(b)
	return nil
}
