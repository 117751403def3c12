package recordfile

import (
	"path/filepath"
	"testing"

	"github.com/racehost/transactor/gamectx"
)

func TestWriteThenReadAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "game1.records")

	w, err := Create(path, Header{GameID: 1, BundleAddr: "bundle:minimal", BaseSettleVer: 0, BaseAccessVer: 0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Append(gamectx.NewCustomEvent("p1", []byte("hi"))); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := w.Append(gamectx.NewWaitTimeoutEvent()); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	hdr, records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if hdr.GameID != 1 || hdr.BundleAddr != "bundle:minimal" {
		t.Fatalf("header = %+v", hdr)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Seq != 1 || records[0].Event.Kind != gamectx.EventCustom {
		t.Fatalf("record 0 = %+v", records[0])
	}
	if records[1].Seq != 2 || records[1].Event.Kind != gamectx.EventWaitTimeout {
		t.Fatalf("record 1 = %+v", records[1])
	}
}

func TestCreateFailsIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "game1.records")

	w, err := Create(path, Header{GameID: 1})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	w.Close()

	if _, err := Create(path, Header{GameID: 1}); err == nil {
		t.Fatal("expected error creating over an existing record file")
	}
}
