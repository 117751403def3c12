// Package transport defines the capability the Synchronizer and Submitter
// use to talk to a specific chain, and the registry that looks one up by
// chain name. The registry is a plain map keyed by a config string, not a
// reflection-based plugin loader: adding a chain means calling Register
// from an init() function.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/racehost/transactor/gamectx"
)

// ChainState is a point-in-time read of a game account's on-chain
// roster/version data, as returned by Transport.GetState. The Synchronizer
// diffs this against the GameContext to build a Sync event.
type ChainState struct {
	AccessVersion  uint64
	SettleVersion  uint64
	TransactorAddr string
	Players        []gamectx.PlayerJoin
	Servers        []gamectx.ServerJoin
}

// SettleSubmission is one ordered batch of balance changes to submit for a
// game at a specific SettleVersion.
type SettleSubmission struct {
	GameAddr      string
	SettleVersion uint64
	Settles       []gamectx.Settle
	Signature     []byte // optional: set when the Submitter has a Signer configured
}

// Bundle is the opaque handler code blob a chain integration resolves
// for a bundle address.
type Bundle struct {
	Addr string
	URI  string
	Name string
	Data []byte
}

// Transport is the capability a chain integration implements: read the
// current on-chain game account, resolve a handler bundle, and submit a
// settlement. Every method takes a context so the caller
// (Submitter/Synchronizer/handler.BundleCache) controls cancellation and
// the retry/backoff loop around it.
type Transport interface {
	Name() string
	GetState(ctx context.Context, gameAddr string) (ChainState, error)
	GetGameBundle(ctx context.Context, bundleAddr string) (Bundle, error)
	PublishGame(ctx context.Context, b Bundle) (string, error)
	SubmitSettle(ctx context.Context, sub SettleSubmission) error
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Transport)
)

// Register associates a chain name with a Transport implementation.
// Panics on duplicate registration: two transports claiming the same
// chain name is a startup configuration bug, not a condition to recover
// from at runtime.
func Register(t Transport) {
	mu.Lock()
	defer mu.Unlock()
	name := t.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("transport: already registered for chain %q", name))
	}
	registry[name] = t
}

// Get looks up the Transport registered for chain.
func Get(chain string) (Transport, error) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := registry[chain]
	if !ok {
		return nil, fmt.Errorf("transport: no transport registered for chain %q", chain)
	}
	return t, nil
}
