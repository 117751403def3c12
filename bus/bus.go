// Package bus implements the EventBus that carries gamectx.Event frames
// between the ingress, Synchronizer, Submitter, and EventLoop components
// of one session: a bounded, backpressured, strictly-ordered channel per
// subscriber. The EventLoop must see every event in publish order and
// must never have one dropped out from under it the way a fire-and-forget
// pub/sub broker would skip a slow subscriber.
package bus

import (
	"fmt"
	"log"
	"sync"

	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/metrics"
)

// Frame wraps an Event with the bus metadata needed to route and log it:
// which game it belongs to (for sub-game bridging) and where it came from.
type Frame struct {
	GameID uint64
	Source string
	Event  gamectx.Event
}

// Subscription is a handle returned by Attach. Read from Frames until
// Detach is called or the bus is closed, at which point the channel is
// closed and further receives return the zero Frame with ok=false.
type Subscription struct {
	id     string
	Frames <-chan Frame
}

// EventBus is a single-game message bus: one bounded channel per attached
// endpoint, fed by Publish, fanning events out in publish order. Send is
// blocking, not drop-oldest: a slow consumer applies backpressure to the
// publisher rather than silently losing an event the EventLoop would
// otherwise never see (the loop's total-order guarantee depends on
// nothing being dropped).
type EventBus struct {
	mu     sync.Mutex
	chans  map[string]chan Frame
	closed bool
}

// New creates an empty EventBus.
func New() *EventBus {
	return &EventBus{chans: make(map[string]chan Frame)}
}

// Attach registers a new endpoint with the given channel depth and returns
// a Subscription to read from. depth bounds how far the publisher can run
// ahead of this subscriber before Publish blocks.
func (b *EventBus) Attach(id string, depth int) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: attach %q: bus is closed", id)
	}
	if _, exists := b.chans[id]; exists {
		return nil, fmt.Errorf("bus: attach %q: already attached", id)
	}
	ch := make(chan Frame, depth)
	b.chans[id] = ch
	return &Subscription{id: id, Frames: ch}, nil
}

// Detach removes an endpoint and closes its channel. Safe to call more
// than once; the second call is a no-op.
func (b *EventBus) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.chans[id]
	if !ok {
		return
	}
	delete(b.chans, id)
	close(ch)
}

// Publish delivers f to the named endpoint's channel, blocking if the
// channel is full. Returns an error if the endpoint is not attached or the
// bus has been closed; logs and returns nil if the endpoint was detached
// concurrently (a race that is expected during session teardown, not a
// caller bug).
func (b *EventBus) Publish(id string, f Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus: publish to %q: bus is closed", id)
	}
	ch, ok := b.chans[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus: publish to %q: not attached", id)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] publish to %q after detach: %v", id, r)
		}
	}()
	ch <- f
	metrics.BusQueueDepth.WithLabelValues(id).Set(float64(len(ch)))
	return nil
}

// Broadcast delivers f to every currently attached endpoint except
// excludeID (empty string excludes none). Used for fanning a Sync or
// Bridge event out to every session component in one call.
func (b *EventBus) Broadcast(f Frame, excludeID string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.chans))
	for id := range b.chans {
		if id != excludeID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Publish(id, f); err != nil {
			log.Printf("[bus] broadcast to %q: %v", id, err)
		}
	}
}

// Close detaches and closes every endpoint's channel. Further Attach or
// Publish calls fail.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.chans {
		delete(b.chans, id)
		close(ch)
	}
}
