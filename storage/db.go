// Package storage is the generic key-value capability CheckpointStore
// and ContentStore are built on: a DB interface with a LevelDB-backed
// production implementation, exposing the plain get/set/iterate/batch
// shape and nothing domain-specific.
package storage

import "errors"

// ErrNotFound is returned by Get when key has no value.
var ErrNotFound = errors.New("storage: not found")

// Batch is an atomic write buffer. All operations are applied together
// via Write() or discarded together on error, preventing partial commits.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}

// DB is the generic key-value store interface.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks key-value pairs matching a prefix in ascending key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}
