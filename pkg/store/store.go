package store

import (
	"github.com/andrew-markin/blobs/pkg/types"
)

// Store defines the interface for blob record persistence.
// This is implemented by the filesystem-backed FileStore.
type Store interface {
	// Read returns the record for a key, or (nil, nil) when the record
	// does not exist or its file is not parseable. It returns an error
	// only for I/O failures (permissions, device).
	Read(key types.Key) (*types.Blob, error)

	// Write replaces the record for a key crash-atomically. On return
	// the new content is durable and the transition sidecar has been
	// removed. Callers must hold the key lock around any
	// read-modify-write cycle.
	Write(key types.Key, blob *types.Blob) error
}
