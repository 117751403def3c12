// Package submitter turns committed settlements into chain transactions.
// Submissions are strictly ordered by settle_version: a gap here is
// fatal, because it means the local view of ordering has fallen out of
// sync with the authoritative sequence.
package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/eventloop"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/metrics"
	"github.com/racehost/transactor/transport"
)

// Signer is the slice of encryptor.Encryptor the Submitter needs: a
// signature over the serialized submission, attached before the call
// reaches Transport so a chain integration can verify the transactor
// actually produced the settlement it's submitting. Spelled as its own
// interface so this package doesn't need to import encryptor directly.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Config controls the Submitter's retry policy. The ceiling is a
// parameter rather than a constant so a deployment can tune it per chain.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration // 0 means retry until the session closes
}

// DefaultConfig uses backoff.NewExponentialBackOff's initial and maximum
// intervals but no elapsed-time ceiling: retries continue until the
// session closes.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     60 * time.Second,
		MaxElapsedTime:  0,
	}
}

// Result reports the outcome of one settle_version submission: success
// with a signature, or failure with the terminal error. SessionManager
// reads these off Results and logs the failures.
type Result struct {
	GameID    uint64
	Version   uint64
	Signature string
	Err       error
}

// Submitter implements the Settle half of eventloop.Sink: it accepts
// SettleRequests in commit order, submits them to Transport one at a time
// with retry, and publishes a Result for each.
type Submitter struct {
	gameAddr string
	t        transport.Transport
	cfg      Config
	signer   Signer

	queue   chan eventloop.SettleRequest
	results chan Result

	mu   sync.Mutex
	next uint64 // expected next settle_version, starting at 1
}

// New creates a Submitter for gameAddr. fromSettleVersion is the next
// settle_version the Submitter expects to see, normally 1 for a fresh
// session or checkpoint.SettleVersion+1 when resuming.
func New(gameAddr string, t transport.Transport, cfg Config, fromSettleVersion uint64) *Submitter {
	if fromSettleVersion == 0 {
		fromSettleVersion = 1
	}
	return &Submitter{
		gameAddr: gameAddr,
		t:        t,
		cfg:      cfg,
		queue:    make(chan eventloop.SettleRequest, 256),
		results:  make(chan Result, 256),
		next:     fromSettleVersion,
	}
}

// SetSigner wires an optional Signer into the Submitter, used from this
// point on to sign every outgoing SettleSubmission. Passing nil (the
// zero value) disables signing, matching every existing caller's
// behavior before this was added.
func (s *Submitter) SetSigner(signer Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = signer
}

// Settle implements eventloop.Sink by queueing req. The send blocks while
// the queue is full; the queue is sized well above any single session's
// outstanding settlement count, so a full queue indicates Run has
// stopped, not ordinary load.
func (s *Submitter) Settle(req eventloop.SettleRequest) {
	s.queue <- req
}

// Results exposes submission outcomes; SessionManager drains and logs
// them. A fatal version gap is reported here and also returned from Run,
// which is what tears the session down.
func (s *Submitter) Results() <-chan Result { return s.results }

// Run drains queued SettleRequests until ctx is canceled or a
// settle_version gap is detected, which is fatal (errkind.Integrity) and
// returned to the caller for session teardown.
func (s *Submitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-s.queue:
			if !ok {
				return nil
			}
			if err := s.submitOne(ctx, req); err != nil {
				return err
			}
		}
	}
}

func (s *Submitter) submitOne(ctx context.Context, req eventloop.SettleRequest) error {
	s.mu.Lock()
	want := s.next
	s.mu.Unlock()

	if req.SettleVersion != want {
		err := errkind.Wrap(errkind.Integrity, "submitter: game %d: settle_version gap: want %d got %d", req.GameID, want, req.SettleVersion)
		metrics.SubmitterResults.WithLabelValues(s.gameAddr, "integrity_error").Inc()
		s.results <- Result{GameID: req.GameID, Version: req.SettleVersion, Err: err}
		return err
	}

	sub := transport.SettleSubmission{GameAddr: s.gameAddr, SettleVersion: req.SettleVersion, Settles: req.Settles}

	s.mu.Lock()
	signer := s.signer
	s.mu.Unlock()
	if signer != nil {
		payload, err := json.Marshal(struct {
			GameAddr      string
			SettleVersion uint64
			Settles       []gamectx.Settle
		}{sub.GameAddr, sub.SettleVersion, sub.Settles})
		if err != nil {
			return errkind.Wrap(errkind.Storage, "submitter: game %d: settle_version %d: encode for signing: %v", req.GameID, req.SettleVersion, err)
		}
		sig, err := signer.Sign(payload)
		if err != nil {
			return errkind.Wrap(errkind.Transport, "submitter: game %d: settle_version %d: sign: %v", req.GameID, req.SettleVersion, err)
		}
		sub.Signature = sig
	}

	bo := backoff.WithContext(s.newBackoff(), ctx)
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.SubmitterRetries.WithLabelValues(s.gameAddr).Inc()
		}
		if err := s.t.SubmitSettle(ctx, sub); err != nil {
			log.Printf("[submitter] game %d: settle_version %d attempt %d failed: %v", req.GameID, req.SettleVersion, attempt, err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		metrics.SubmitterResults.WithLabelValues(s.gameAddr, "transport_error").Inc()
		s.results <- Result{GameID: req.GameID, Version: req.SettleVersion, Err: errkind.Wrap(errkind.Transport, "submitter: game %d: settle_version %d: %v", req.GameID, req.SettleVersion, err)}
		return nil
	}

	s.mu.Lock()
	s.next++
	s.mu.Unlock()

	metrics.SubmitterResults.WithLabelValues(s.gameAddr, "ok").Inc()
	s.results <- Result{GameID: req.GameID, Version: req.SettleVersion, Signature: fmt.Sprintf("%s:%d", s.t.Name(), req.SettleVersion)}
	return nil
}

func (s *Submitter) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval
	b.MaxElapsedTime = s.cfg.MaxElapsedTime
	return b
}
