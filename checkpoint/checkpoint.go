// Package checkpoint persists versioned GameContext snapshots so a
// crashed or restarted session can resume without replaying its full
// event history: a typed, digest-verified Checkpoint record keyed by
// game_addr, game id and settle version over plain key-value storage.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/racehost/transactor/errkind"
)

// Checkpoint is a durable snapshot of one GameContext at a point where
// SettleVersion last advanced. Digest covers AccessVersion, SettleVersion
// and StateBytes (see Seal), so a Store implementation can verify it wasn't corrupted in flight. GameAddr
// plus GameID together form the Store key: GameID alone is only unique
// within one master game's session (0 = master, >0 = a sub-game it
// launched), so two unrelated master games both use GameID 0 and must be
// disambiguated by GameAddr.
type Checkpoint struct {
	GameAddr      string `json:"game_addr"`
	GameID        uint64 `json:"game_id"`
	AccessVersion uint64 `json:"access_version"`
	SettleVersion uint64 `json:"settle_version"`
	StateBytes    []byte `json:"state_bytes"`
	Digest        []byte `json:"digest"`

	// SharedData carries the balances/nodes snapshot submitted on chain
	// alongside the root state; it rides along with the
	// digest-sealed state but is not itself covered by Digest, since it is
	// derivable from GameContext and only needed for on-chain summaries
	// and operator inspection, not replay.
	SharedData SharedData `json:"shared_data"`

	// Proofs has room for one digest per sub-game confirming its own state
	// was folded into this checkpoint. Nothing in this repository fills it:
	// the EventLoop saves every checkpoint with Proofs empty.
	Proofs [][]byte `json:"proofs,omitempty"`
}

// SharedData is the balances/nodes snapshot bundled alongside a
// Checkpoint's root state.
type SharedData struct {
	Balances []BalanceEntry `json:"balances"`
	Nodes    []NodeEntry    `json:"nodes"`
}

// BalanceEntry is one player's balance at the checkpoint boundary.
type BalanceEntry struct {
	PlayerID uint64 `json:"player_id"`
	Amount   int64  `json:"amount"`
}

// NodeEntry is one tracked node's address and status at the checkpoint
// boundary, matching gamectx.Node without importing gamectx (avoiding a
// dependency cycle; gamectx has no reason to know about checkpoints).
type NodeEntry struct {
	Addr   string `json:"addr"`
	Status string `json:"status"`
}

// Seal computes and stores the Checkpoint's digest over its versions and
// state, in that field order, so two checkpoints with identical state but
// different versions never collide.
func (c *Checkpoint) Seal() {
	h := sha256.New()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], c.AccessVersion)
	binary.BigEndian.PutUint64(buf[8:16], c.SettleVersion)
	h.Write(buf[:])
	h.Write(c.StateBytes)
	c.Digest = h.Sum(nil)
}

// Verify reports whether Digest matches a freshly computed digest over the
// checkpoint's current contents.
func (c *Checkpoint) Verify() bool {
	want := append([]byte(nil), c.Digest...)
	c.Seal()
	ok := string(want) == string(c.Digest)
	c.Digest = want
	return ok
}

// Store is the durable-layer capability the SessionManager and EventLoop
// use to save and recover Checkpoints. Save failures are always
// errkind.Storage: a failed checkpoint write is fatal for the session,
// never retried in place. Checkpoints are keyed
// by (game_addr, game id, settle version); Load returns
// the most recent, LoadAtOrBelow the most recent at or below a requested
// version (used by SessionManager.Start's init_settle_version and by
// Replayer).
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, gameAddr string, gameID uint64) (Checkpoint, bool, error)
	LoadAtOrBelow(ctx context.Context, gameAddr string, gameID, version uint64) (Checkpoint, bool, error)
	Close() error
}

func encode(cp Checkpoint) ([]byte, error) {
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "checkpoint: encode game %s/%d: %v", cp.GameAddr, cp.GameID, err)
	}
	return b, nil
}

func decode(b []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return cp, errkind.Wrap(errkind.Storage, "checkpoint: decode: %v", err)
	}
	return cp, nil
}

// decodeVerified decodes b and verifies its digest, classifying a mismatch
// as errkind.Integrity rather than errkind.Storage: the bytes were read
// back fine, they just don't match what was written.
func decodeVerified(gameAddr string, gameID uint64, b []byte) (Checkpoint, bool, error) {
	cp, err := decode(b)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if !cp.Verify() {
		return Checkpoint{}, false, errkind.Wrap(errkind.Integrity, "checkpoint: digest mismatch for game %s/%d", gameAddr, gameID)
	}
	return cp, true, nil
}

// gamePrefix bounds a LevelDB/MemDB prefix scan to one game's versioned
// records, never matching its separate latestKey entry.
func gamePrefix(gameAddr string, gameID uint64) []byte {
	return []byte(fmt.Sprintf("cp/%s/%020d/v/", gameAddr, gameID))
}

// recordKey addresses one (game_addr, game id, settle version) checkpoint
// record. Zero-padding the version keeps lexical key order equal to
// numeric order, which LoadAtOrBelow's scan depends on.
func recordKey(gameAddr string, gameID, version uint64) []byte {
	return []byte(fmt.Sprintf("cp/%s/%020d/v/%020d", gameAddr, gameID, version))
}

// latestKey addresses the most-recently-saved record for (gameAddr,
// gameID) directly, so Load doesn't need a full scan.
func latestKey(gameAddr string, gameID uint64) []byte {
	return []byte(fmt.Sprintf("cp/%s/%020d/latest", gameAddr, gameID))
}

// versionFromRecordKey extracts the settle_version encoded in a key
// produced by recordKey, for use while scanning a gamePrefix iterator.
func versionFromRecordKey(key []byte) (uint64, bool) {
	s := string(key)
	idx := strings.LastIndex(s, "/v/")
	if idx < 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(s[idx+3:], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
