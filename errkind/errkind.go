// Package errkind classifies failures the transactor runtime can encounter
// into the five kinds spec'd for the core: handler, integrity, transport,
// storage, and protocol errors. Components wrap the underlying cause with
// the matching sentinel via fmt.Errorf("...: %w", ...) so callers can branch
// with errors.Is without parsing message strings.
package errkind

import (
	"errors"
	"fmt"
)

var (
	// Handler marks a deterministic failure inside the sandboxed Handler:
	// malformed events, rule violations, insufficient players, invalid
	// deposits. Non-fatal — the triggering event is rejected and the
	// session continues.
	Handler = errors.New("handler error")

	// Integrity marks a version gap, checkpoint digest mismatch, or
	// bridge-event duplication. Fatal for the session; triggers replay
	// from the last good checkpoint.
	Integrity = errors.New("integrity error")

	// Transport marks a transient network/chain failure. Retried with
	// backoff at the call site; never surfaced to clients below the
	// retry ceiling.
	Transport = errors.New("transport error")

	// Storage marks a durable-layer failure. Fatal if encountered while
	// saving a checkpoint: the session refuses to emit Settle.
	Storage = errors.New("storage error")

	// Protocol marks a malformed frame or unknown sub-game id at bus
	// ingress. The frame is dropped and logged, not propagated.
	Protocol = errors.New("protocol error")
)

// Wrap formats a message and attaches kind via %w so errors.Is(result,
// kind) succeeds. The message is plain text: a cause passed in through
// args is not reachable with errors.Is or errors.Unwrap, which yields kind.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
