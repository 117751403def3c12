package submitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/eventloop"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/internal/testutil"
)

func fastConfig() Config {
	return Config{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsedTime: time.Second}
}

func TestSubmitterSubmitsInOrder(t *testing.T) {
	tr := testutil.NewMockTransport("test-chain")
	s := New("game:1", tr, fastConfig(), 1)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	s.Settle(eventloop.SettleRequest{GameID: 1, SettleVersion: 1, Settles: []gamectx.Settle{{PlayerID: 1, Amount: -100}}})
	s.Settle(eventloop.SettleRequest{GameID: 1, SettleVersion: 2, Settles: []gamectx.Settle{{PlayerID: 1, Amount: 100}}})

	for i := 0; i < 2; i++ {
		select {
		case r := <-s.Results():
			if r.Err != nil {
				t.Fatalf("result %d: unexpected error %v", i, r.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for result")
		}
	}

	settles := tr.Settles()
	if len(settles) != 2 || settles[0].SettleVersion != 1 || settles[1].SettleVersion != 2 {
		t.Fatalf("settles = %+v, want versions [1 2]", settles)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}

func TestSubmitterRejectsVersionGapAsFatal(t *testing.T) {
	tr := testutil.NewMockTransport("test-chain")
	s := New("game:1", tr, fastConfig(), 1)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	s.Settle(eventloop.SettleRequest{GameID: 1, SettleVersion: 5})

	select {
	case err := <-done:
		if !errors.Is(err, errkind.Integrity) {
			t.Fatalf("run returned %v, want errkind.Integrity", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not terminate on settle_version gap")
	}

	select {
	case r := <-s.Results():
		if !errors.Is(r.Err, errkind.Integrity) {
			t.Fatalf("result err = %v, want errkind.Integrity", r.Err)
		}
	default:
		t.Fatal("expected a Result reporting the gap")
	}
}

func TestSubmitterRetriesTransientTransportError(t *testing.T) {
	tr := testutil.NewMockTransport("test-chain")
	tr.SubmitErr = errors.New("temporarily unavailable")
	s := New("game:1", tr, fastConfig(), 1)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(runCtx)

	s.Settle(eventloop.SettleRequest{GameID: 1, SettleVersion: 1})

	select {
	case r := <-s.Results():
		if !errors.Is(r.Err, errkind.Transport) {
			t.Fatalf("result err = %v, want errkind.Transport after exhausting retries", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retry exhaustion result")
	}
}
