package handler

import (
	"context"
	"testing"

	"github.com/racehost/transactor/gamectx"
)

type fakeHandler struct{ initCalls, applyCalls int }

func (h *fakeHandler) InitState(ctx *gamectx.GameContext) error {
	h.initCalls++
	ctx.SetState([]byte("init"))
	return nil
}

func (h *fakeHandler) Apply(ctx *gamectx.GameContext, ev gamectx.Event) (*gamectx.Effect, error) {
	h.applyCalls++
	return &gamectx.Effect{}, nil
}

func TestRegisterAndNew(t *testing.T) {
	Register("test-bundle-1", func() Handler { return &fakeHandler{} })

	h, err := New("test-bundle-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := gamectx.New("g1", 1, "test-bundle-1", "transactor1")
	if err := h.InitState(ctx); err != nil {
		t.Fatalf("InitState: %v", err)
	}
	if string(ctx.StateBytes) != "init" {
		t.Fatalf("state = %q, want init", ctx.StateBytes)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-bundle-2", func() Handler { return &fakeHandler{} })
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("test-bundle-2", func() Handler { return &fakeHandler{} })
}

func TestNewUnknownBundle(t *testing.T) {
	if _, err := New("no-such-bundle"); err == nil {
		t.Fatal("expected error for unregistered bundle")
	}
}

func TestBundleCacheGetOrLoadCaches(t *testing.T) {
	Register("test-bundle-3", func() Handler { return &fakeHandler{} })
	c := NewBundleCache()

	h1, err := c.GetOrLoad(1, "test-bundle-3")
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	h2, err := c.GetOrLoad(1, "test-bundle-3")
	if err != nil {
		t.Fatalf("GetOrLoad second call: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same cached handler instance")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}

	c.Evict(1)
	if c.Len() != 0 {
		t.Fatalf("Len() after evict = %d, want 0", c.Len())
	}
}

type fakeResolver struct{ addr, name string }

func (r fakeResolver) GetGameBundle(_ context.Context, bundleAddr string) (BundleInfo, error) {
	return BundleInfo{Addr: bundleAddr, Name: r.name}, nil
}

func TestBundleCacheGetOrLoadViaFetchesOnMiss(t *testing.T) {
	Register("test-bundle-4", func() Handler { return &fakeHandler{} })
	c := NewBundleCache()
	resolver := fakeResolver{addr: "chain:unknown-addr", name: "test-bundle-4"}

	h, err := c.GetOrLoadVia(context.Background(), 1, "chain:unknown-addr", resolver)
	if err != nil {
		t.Fatalf("GetOrLoadVia: %v", err)
	}
	if _, ok := h.(*fakeHandler); !ok {
		t.Fatalf("resolved handler type = %T, want *fakeHandler", h)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}
