// Package replayer reconstructs one game id's GameContext from its
// on-disk event record and asserts the result against the terminal
// Checkpoint already on Store: feed the recordfile's events through a
// fresh EventLoop, compare digests, reject on mismatch. A replay session never
// accepts bus input from outside its own record: the EventLoop it builds
// has no Broadcaster, Submitter, or Synchronizer attached, only the
// record-file feeder driving it.
package replayer

import (
	"context"
	"fmt"

	"github.com/racehost/transactor/bus"
	"github.com/racehost/transactor/checkpoint"
	"github.com/racehost/transactor/checkpoint/recordfile"
	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/eventloop"
	"github.com/racehost/transactor/gamectx"
	"github.com/racehost/transactor/handler"
)

// Result reports what one replay run reconstructed, for the caller to log
// or assert on beyond the digest check Replay already performs.
type Result struct {
	EventsApplied      int
	FinalAccessVersion uint64
	FinalSettleVersion uint64
	Digest             []byte
}

// Replay reconstructs gameAddr/gameID's state by:
//  1. loading the nearest checkpoint at or below the record file's declared
//     base settle_version (or starting fresh via Handler.InitState if none
//     exists yet),
//  2. feeding every recorded event through a fresh, unattached EventLoop in
//     their original order,
//  3. sealing the reconstructed state into a Checkpoint and comparing its
//     digest against the terminal Checkpoint store already has for this
//     game.
//
// A digest mismatch is returned as errkind.Integrity, exactly the
// classification a live session uses for the same condition. store is
// read from (for both the base and terminal checkpoint) but never written
// to: a replay never mutates durable state.
func Replay(ctx context.Context, gameAddr, recordPath string, store checkpoint.Store) (Result, error) {
	hdr, records, err := recordfile.ReadAll(recordPath)
	if err != nil {
		return Result{}, err
	}

	h, err := handler.New(hdr.BundleAddr)
	if err != nil {
		return Result{}, fmt.Errorf("replayer: game %s/%d: %w", gameAddr, hdr.GameID, err)
	}

	gctx := gamectx.New(gameAddr, hdr.GameID, hdr.BundleAddr, "")

	base, found, err := store.LoadAtOrBelow(ctx, gameAddr, hdr.GameID, hdr.BaseSettleVer)
	if err != nil {
		return Result{}, err
	}
	if found {
		gctx.AccessVersion = base.AccessVersion
		gctx.SettleVersion = base.SettleVersion
		gctx.StateBytes = append([]byte(nil), base.StateBytes...)
	} else if err := h.InitState(gctx); err != nil {
		return Result{}, errkind.Wrap(errkind.Handler, "replayer: game %s/%d: init state: %v", gameAddr, hdr.GameID, err)
	}

	// Validator mode: the loop must not arm dispatch timers of its own —
	// every WaitTimeout the transactor fired is already in the record, and
	// a self-fired one would diverge from it.
	b := bus.New()
	loop, err := eventloop.New(gctx, h, b, nil, nil, nil, eventloop.ModeValidator)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(runCtx) }()

	for _, rec := range records {
		if err := b.Publish(loop.Endpoint, bus.Frame{GameID: hdr.GameID, Event: rec.Event}); err != nil {
			return Result{}, errkind.Wrap(errkind.Integrity, "replayer: game %s/%d: publish record seq %d: %v", gameAddr, hdr.GameID, rec.Seq, err)
		}
	}
	if err := b.Publish(loop.Endpoint, bus.Frame{GameID: hdr.GameID, Event: gamectx.NewShutdownEvent()}); err != nil {
		return Result{}, err
	}

	if err := <-runErr; err != nil {
		return Result{}, errkind.Wrap(errkind.Integrity, "replayer: game %s/%d: replay failed: %v", gameAddr, hdr.GameID, err)
	}

	cp := checkpoint.Checkpoint{
		GameAddr:      gameAddr,
		GameID:        hdr.GameID,
		AccessVersion: gctx.AccessVersion,
		SettleVersion: gctx.SettleVersion,
		StateBytes:    append([]byte(nil), gctx.StateBytes...),
	}
	cp.Seal()

	result := Result{
		EventsApplied:      len(records),
		FinalAccessVersion: gctx.AccessVersion,
		FinalSettleVersion: gctx.SettleVersion,
		Digest:             cp.Digest,
	}

	terminal, ok, err := store.Load(ctx, gameAddr, hdr.GameID)
	if err != nil {
		return result, err
	}
	if !ok {
		// Nothing has ever been checkpointed for this game (e.g. no
		// Settle has happened yet) — there is nothing to verify against.
		return result, nil
	}
	if string(terminal.Digest) != string(cp.Digest) {
		return result, errkind.Wrap(errkind.Integrity, "replayer: game %s/%d: replay digest does not match terminal checkpoint", gameAddr, hdr.GameID)
	}
	return result, nil
}
