package gamectx

import "time"

// DispatchEvent is a Handler-scheduled future event: "fire WaitTimeout (or
// a custom event) after this much time unless something else happens
// first". GameContext holds at most one of these at a time; a Handler that
// wants to reschedule must explicitly replace it via Effect.Dispatch, it
// cannot queue a second one behind it.
type DispatchEvent struct {
	Event   Event
	Timeout time.Duration
}

// NewDispatch builds a DispatchEvent carrying the given event, to fire
// after timeout elapses with no other activity.
func NewDispatch(ev Event, timeout time.Duration) *DispatchEvent {
	return &DispatchEvent{Event: ev, Timeout: timeout}
}
