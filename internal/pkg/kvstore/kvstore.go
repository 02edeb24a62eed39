// Package kvstore provides namespaced key/value blob storage.
//
// Writes to a Namespace are staged until Commit. Backends differ in what
// survives a crash between Set and Commit, see each implementation.
package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("kvstore: key not found")

// Namespace is a set of keys that commit together.
type Namespace interface {
	// Get returns a copy of the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stages value under key.
	Set(ctx context.Context, key string, value []byte) error

	// Commit makes every staged Set durable. Staged values are dropped
	// when it fails.
	Commit(ctx context.Context) error

	// Discard drops every staged Set.
	Discard(ctx context.Context) error
}

// Opener opens namespaces by name.
type Opener interface {
	Open(ctx context.Context, name string) (Namespace, error)
}

// GetInt32 reads a 4-byte big-endian integer.
func GetInt32(ctx context.Context, ns Namespace, key string) (int32, error) {
	b, err := ns.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("kvstore: %s holds %d bytes, not an int32", key, len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// SetInt32 stages v as a 4-byte big-endian integer.
func SetInt32(ctx context.Context, ns Namespace, key string, v int32) error {
	return ns.Set(ctx, key, binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append(make([]byte, 0, len(b)), b...)
}
