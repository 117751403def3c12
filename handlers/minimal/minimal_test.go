package minimal

import (
	"testing"

	"github.com/racehost/transactor/gamectx"
)

func TestCounterIncrementsOnCustomOnly(t *testing.T) {
	ctx := gamectx.New("g1", 1, BundleAddr, "transactor1")
	h := &Handler{}
	if err := h.InitState(ctx); err != nil {
		t.Fatalf("InitState: %v", err)
	}

	if _, err := h.Apply(ctx, gamectx.NewWaitTimeoutEvent()); err != nil {
		t.Fatalf("apply wait timeout: %v", err)
	}
	s, err := getState(ctx)
	if err != nil {
		t.Fatalf("getState: %v", err)
	}
	if s.Count != 0 {
		t.Fatalf("count = %d after non-custom event, want 0", s.Count)
	}

	if _, err := h.Apply(ctx, gamectx.NewCustomEvent("p1", []byte("hi"))); err != nil {
		t.Fatalf("apply custom: %v", err)
	}
	s, _ = getState(ctx)
	if s.Count != 1 {
		t.Fatalf("count = %d after one custom event, want 1", s.Count)
	}
}
