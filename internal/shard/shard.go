// Package shard defines the interface and implementations for RelayStore's
// blob storage shards, and the round-robin selection over the shard pool.
package shard

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by Open and Delete when the shard holds no
// object under the requested identifier. Callers compare with errors.Is.
var ErrObjectNotFound = errors.New("shard: object not found")

// Stats reports a shard's storage usage against its advertised capacity.
type Stats struct {
	// UsedBytes is the total size of all objects held by the shard.
	UsedBytes int64
	// CapacityBytes is the advertised capacity. It is a reporting figure,
	// not an enforced quota.
	CapacityBytes int64
}

// Shard is one independently addressable blob store in the pool. All methods
// must be safe for concurrent use. Shards are created at process start and
// live for the process lifetime.
type Shard interface {
	// Name returns the unique shard name, derived from its connection target.
	Name() string

	// Put writes the data from the reader as the object with the given
	// identifier. It returns the number of bytes written.
	Put(ctx context.Context, objectID string, reader io.Reader, size int64) (int64, error)

	// Open retrieves the object data. The caller is responsible for closing
	// the returned ReadCloser. Returns the stream and the object size, or
	// ErrObjectNotFound.
	Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error)

	// Delete removes the object. Deleting a non-existent object returns
	// ErrObjectNotFound; callers that need idempotency check for it.
	Delete(ctx context.Context, objectID string) error

	// Exists reports whether the object is present on the shard.
	Exists(ctx context.Context, objectID string) (bool, error)

	// Stats reports the shard's current usage and capacity.
	Stats(ctx context.Context) (Stats, error)
}
