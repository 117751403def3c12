// Package contentstore is the thin, content-addressed blob capability:
// storing and retrieving arbitrary content by the hash of its bytes
// (handler bundle code fetched from Transport). The runtime never interprets the blobs it stores here; it only
// asks for them back by digest. It shares the LevelDB instance a
// deployment already opens for CheckpointStore.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/racehost/transactor/errkind"
	"github.com/racehost/transactor/storage"
)

// Store is the capability handler.BundleCache uses (through its narrower
// ContentStore interface) to persist content by its own digest rather than
// a caller-assigned key.
type Store interface {
	Put(data []byte) (digest string, err error)
	Get(digest string) ([]byte, error)
}

// DBStore implements Store over any storage.DB, namespacing every key
// under a "cs/" prefix so it can share a database with other key spaces
// (e.g. checkpoint.FileStore's "cp/" prefix) without collision.
type DBStore struct {
	db storage.DB
}

// New wraps an already-open storage.DB as a content store.
func New(db storage.DB) *DBStore {
	return &DBStore{db: db}
}

// Put stores data keyed by the hex SHA-256 digest of its bytes and
// returns that digest. Writing the same content twice is a no-op beyond
// the redundant Set, since the key is identical either way.
func (s *DBStore) Put(data []byte) (string, error) {
	digest := Digest(data)
	if err := s.db.Set(contentKey(digest), data); err != nil {
		return "", errkind.Wrap(errkind.Storage, "contentstore: put %s: %v", digest, err)
	}
	return digest, nil
}

// Get retrieves the content previously stored under digest.
func (s *DBStore) Get(digest string) ([]byte, error) {
	v, err := s.db.Get(contentKey(digest))
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("contentstore: %s: %w", digest, storage.ErrNotFound)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "contentstore: get %s: %v", digest, err)
	}
	return v, nil
}

func contentKey(digest string) []byte {
	return []byte("cs/" + digest)
}

// Digest computes the hex SHA-256 content address of data, shared by
// DBStore and any caller that wants to check a digest before fetching.
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
