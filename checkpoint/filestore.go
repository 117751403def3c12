package checkpoint

import (
	"context"
	"fmt"

	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/storage"
)

// FileStore is the production Store, backed by any storage.DB — normally
// storage.LevelDB — keyed by (game_addr, game id, settle version). One
// FileStore instance is shared across all sessions in a process; records
// are namespaced by a game_addr/game id key prefix.
type FileStore struct {
	db storage.DB
}

// NewFileStore opens (or creates) a LevelDB database at path.
func NewFileStore(path string) (*FileStore, error) {
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "checkpoint: open store %q: %v", path, err)
	}
	return NewFileStoreDB(db), nil
}

// NewFileStoreDB wraps an already-open storage.DB, letting callers share
// one on-disk database across checkpoint storage and other key-value
// concerns via key prefixing.
func NewFileStoreDB(db storage.DB) *FileStore {
	return &FileStore{db: db}
}

// Save writes cp after sealing its digest, as one atomic batch covering
// both its versioned record and the game's latest-record pointer. The
// batch is all-or-nothing, so there is no partial-write state to recover
// from on crash: either the new checkpoint is durable or the previous one
// still is.
func (s *FileStore) Save(_ context.Context, cp Checkpoint) error {
	cp.Seal()
	b, err := encode(cp)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Set(recordKey(cp.GameAddr, cp.GameID, cp.SettleVersion), b)
	batch.Set(latestKey(cp.GameAddr, cp.GameID), b)
	if err := batch.Write(); err != nil {
		return errkind.Wrap(errkind.Storage, "checkpoint: save game %s/%d version %d: %v", cp.GameAddr, cp.GameID, cp.SettleVersion, err)
	}
	return nil
}

// Load reads the most recently saved Checkpoint for (gameAddr, gameID),
// verifying its digest.
func (s *FileStore) Load(_ context.Context, gameAddr string, gameID uint64) (Checkpoint, bool, error) {
	b, err := s.db.Get(latestKey(gameAddr, gameID))
	if err == storage.ErrNotFound {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, errkind.Wrap(errkind.Storage, "checkpoint: load game %s/%d: %v", gameAddr, gameID, err)
	}
	return decodeVerified(gameAddr, gameID, b)
}

// LoadAtOrBelow scans (gameAddr, gameID)'s versioned records for the
// highest settle_version not exceeding version, which is how
// SessionManager.Start resolves its init_settle_version bound. The
// iterator walks keys in ascending order, so the last accepted record is
// the one wanted.
func (s *FileStore) LoadAtOrBelow(_ context.Context, gameAddr string, gameID, version uint64) (Checkpoint, bool, error) {
	it := s.db.NewIterator(gamePrefix(gameAddr, gameID))
	defer it.Release()

	var best []byte
	for it.Next() {
		v, ok := versionFromRecordKey(it.Key())
		if !ok || v > version {
			continue
		}
		best = append([]byte(nil), it.Value()...)
	}
	if err := it.Error(); err != nil {
		return Checkpoint{}, false, errkind.Wrap(errkind.Storage, "checkpoint: scan game %s/%d: %v", gameAddr, gameID, err)
	}
	if best == nil {
		return Checkpoint{}, false, nil
	}
	return decodeVerified(gameAddr, gameID, best)
}

func (s *FileStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("checkpoint: close store: %w", err)
	}
	return nil
}
