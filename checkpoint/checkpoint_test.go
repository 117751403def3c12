package checkpoint

import (
	"context"
	"testing"
)

func TestSealAndVerify(t *testing.T) {
	cp := Checkpoint{GameAddr: "game:1", GameID: 1, AccessVersion: 2, SettleVersion: 3, StateBytes: []byte("state")}
	cp.Seal()
	if !cp.Verify() {
		t.Fatal("freshly sealed checkpoint should verify")
	}

	cp.StateBytes = []byte("tampered")
	if cp.Verify() {
		t.Fatal("tampered checkpoint should fail verification")
	}
}

func TestMemStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if _, ok, err := s.Load(ctx, "game:1", 1); err != nil || ok {
		t.Fatalf("load on empty store: ok=%v err=%v", ok, err)
	}

	cp := Checkpoint{GameAddr: "game:1", GameID: 1, AccessVersion: 1, SettleVersion: 1, StateBytes: []byte("s1")}
	if err := s.Save(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Load(ctx, "game:1", 1)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if string(got.StateBytes) != "s1" {
		t.Fatalf("state = %q, want s1", got.StateBytes)
	}
}

func TestMemStoreLoadAtOrBelow(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for _, v := range []uint64{1, 2, 5} {
		cp := Checkpoint{GameAddr: "game:1", GameID: 1, AccessVersion: v, SettleVersion: v, StateBytes: []byte("state")}
		if err := s.Save(ctx, cp); err != nil {
			t.Fatalf("save %d: %v", v, err)
		}
	}

	got, ok, err := s.LoadAtOrBelow(ctx, "game:1", 1, 3)
	if err != nil || !ok {
		t.Fatalf("load at or below 3: ok=%v err=%v", ok, err)
	}
	if got.SettleVersion != 2 {
		t.Fatalf("settle_version = %d, want 2 (highest <= 3)", got.SettleVersion)
	}

	if _, ok, err := s.LoadAtOrBelow(ctx, "game:1", 1, 0); err != nil || ok {
		t.Fatalf("load at or below 0: ok=%v err=%v, want none", ok, err)
	}

	latest, ok, err := s.Load(ctx, "game:1", 1)
	if err != nil || !ok || latest.SettleVersion != 5 {
		t.Fatalf("load latest = %+v ok=%v err=%v, want version 5", latest, ok, err)
	}
}
