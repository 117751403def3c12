package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store, used by tests and by the Replayer when
// it doesn't need its recovered checkpoints to outlive the process. It
// keeps every version ever saved, not just the latest, so LoadAtOrBelow
// can be exercised the same way FileStore's scan is.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[uint64][]byte // "game_addr/game_id" -> settle version -> encoded checkpoint
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[uint64][]byte)}
}

func memKey(gameAddr string, gameID uint64) string {
	return fmt.Sprintf("%s/%d", gameAddr, gameID)
}

func (m *MemStore) Save(_ context.Context, cp Checkpoint) error {
	cp.Seal()
	b, err := encode(cp)
	if err != nil {
		return err
	}
	k := memKey(cp.GameAddr, cp.GameID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[k] == nil {
		m.data[k] = make(map[uint64][]byte)
	}
	m.data[k][cp.SettleVersion] = b
	return nil
}

// Load returns the highest-versioned checkpoint saved for (gameAddr, gameID).
func (m *MemStore) Load(ctx context.Context, gameAddr string, gameID uint64) (Checkpoint, bool, error) {
	return m.LoadAtOrBelow(ctx, gameAddr, gameID, ^uint64(0))
}

func (m *MemStore) LoadAtOrBelow(_ context.Context, gameAddr string, gameID, version uint64) (Checkpoint, bool, error) {
	k := memKey(gameAddr, gameID)
	m.mu.Lock()
	var best uint64
	var bestBytes []byte
	found := false
	for v, b := range m.data[k] {
		if v <= version && (!found || v > best) {
			best, bestBytes, found = v, b, true
		}
	}
	m.mu.Unlock()

	if !found {
		return Checkpoint{}, false, nil
	}
	return decodeVerified(gameAddr, gameID, bestBytes)
}

func (m *MemStore) Close() error { return nil }
