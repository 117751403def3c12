// Package handler defines the capability every game's deterministic logic
// implements, and the registry/cache that load it by bundle address: a
// Handler instance is looked up once per session and reused for every
// event, since the bundle is the unit of code, not the event.
package handler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/racehost/transactor/gamectx"
)

// Handler is the deterministic game logic capability: given the current
// GameContext and the next Event, it must produce the same Effect and the
// same GameContext.StateBytes on every machine that runs it. Apply must
// not read the clock, the filesystem, or any network socket — every input
// it needs arrives through ctx and ev.
type Handler interface {
	// InitState seeds ctx.StateBytes for a freshly created game, before any
	// event is applied.
	InitState(ctx *gamectx.GameContext) error

	// Apply executes one event against ctx, mutating ctx.StateBytes via
	// ctx.SetState and returning the Effect describing everything else the
	// EventLoop must do as a result.
	Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error)
}

// Factory builds a fresh Handler instance for one bundle load. Reference
// handlers register a Factory under their bundle address via init().
type Factory func() Handler

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register associates a bundle address with a Factory. Panics on duplicate
// registration, which is a fail-fast contract: two
// bundles silently sharing an address is a build-time bug, not a runtime
// condition to recover from.
func Register(bundleAddr string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[bundleAddr]; exists {
		panic(fmt.Sprintf("handler: factory already registered for bundle %q", bundleAddr))
	}
	factories[bundleAddr] = f
}

// New builds a Handler instance for bundleAddr using its registered
// Factory.
func New(bundleAddr string) (Handler, error) {
	mu.RLock()
	f, ok := factories[bundleAddr]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler: no factory registered for bundle %q", bundleAddr)
	}
	return f(), nil
}

// BundleCache caches one Handler instance per (game id, bundle address)
// pair so a master game and its sub-games each keep an independent,
// already-initialized Handler without re-resolving the Factory on every
// event. Guarded by a mutex rather than sync.Map because entries are read
// far more than written and Len is used by tests/metrics.
type BundleCache struct {
	mu       sync.Mutex
	handlers map[uint64]Handler
	content  ContentStore
}

// ContentStore is the slice of contentstore.Store a bundle cache-miss can
// use to persist fetched bundle bytes content-addressably, so a later
// process restart can verify cached bytes against their digest instead of
// trusting whatever Transport.GetGameBundle returns next time. Spelled as
// its own interface, matching BundleResolver's reasoning, so this package
// doesn't need to import contentstore directly.
type ContentStore interface {
	Put(data []byte) (digest string, err error)
}

// NewBundleCache creates an empty cache.
func NewBundleCache() *BundleCache {
	return &BundleCache{handlers: make(map[uint64]Handler)}
}

// SetContentStore wires an optional ContentStore into the cache's
// cache-miss path (see GetOrLoadVia). Passing nil disables it, which is
// also this field's zero value.
func (c *BundleCache) SetContentStore(cs ContentStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = cs
}

// GetOrLoad returns the cached Handler for gameID, constructing and
// caching one from bundleAddr's Factory on first use.
func (c *BundleCache) GetOrLoad(gameID uint64, bundleAddr string) (Handler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handlers[gameID]; ok {
		return h, nil
	}
	h, err := New(bundleAddr)
	if err != nil {
		return nil, err
	}
	c.handlers[gameID] = h
	return h, nil
}

// Evict drops a cached Handler, e.g. once its game session has stopped.
func (c *BundleCache) Evict(gameID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, gameID)
}

// BundleResolver is the slice of transport.Transport a cache miss needs:
// resolving the bundle named by bundleAddr. Spelled as its own small
// interface rather than importing the transport package directly, so a
// test can pass a bare function without pulling in the chain-registry
// machinery.
type BundleResolver interface {
	GetGameBundle(ctx context.Context, bundleAddr string) (BundleInfo, error)
}

// BundleInfo is the subset of a resolved bundle the cache needs to pick a
// Factory: its well-known Name, which reference handlers register under
// via Register (matching transport.Bundle.Name).
type BundleInfo struct {
	Addr string
	Name string
	Data []byte // resolved bundle bytes, if the resolver has them; may be nil
}

// GetOrLoadVia is GetOrLoad's cache-miss path when the Factory registry
// alone can't resolve bundleAddr directly: it fetches the
// bundle's metadata from the transport resolver first
// and retries the Factory lookup keyed by the
// bundle's Name, which is how a real sandboxed loader would resolve the
// fetched bytes to a concrete evaluator. Handler bundle bytes themselves
// are never interpreted here — that sandboxing is the Handler capability's
// job, out of this cache's scope.
func (c *BundleCache) GetOrLoadVia(ctx context.Context, gameID uint64, bundleAddr string, resolver BundleResolver) (Handler, error) {
	c.mu.Lock()
	if h, ok := c.handlers[gameID]; ok {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	if h, err := New(bundleAddr); err == nil {
		c.mu.Lock()
		c.handlers[gameID] = h
		c.mu.Unlock()
		return h, nil
	}

	info, err := resolver.GetGameBundle(ctx, bundleAddr)
	if err != nil {
		return nil, fmt.Errorf("handler: resolve bundle %q: %w", bundleAddr, err)
	}

	c.mu.Lock()
	cs := c.content
	c.mu.Unlock()
	if cs != nil && len(info.Data) > 0 {
		if digest, err := cs.Put(info.Data); err != nil {
			log.Printf("[handler] content-store bundle %q: %v", bundleAddr, err)
		} else {
			log.Printf("[handler] cached bundle %q content as %s", bundleAddr, digest)
		}
	}

	h, err := New(info.Name)
	if err != nil {
		return nil, fmt.Errorf("handler: no factory for resolved bundle %q (name %q): %w", bundleAddr, info.Name, err)
	}
	c.mu.Lock()
	c.handlers[gameID] = h
	c.mu.Unlock()
	return h, nil
}

// Len reports how many Handlers are currently cached.
func (c *BundleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}
