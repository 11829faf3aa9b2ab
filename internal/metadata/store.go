// Package metadata defines the interface and implementations for RelayStore's
// metadata layer, which tracks image and archive records across the shard pool.
package metadata

import (
	"context"
	"io"
	"time"
)

// Locator is the (shard name, object identifier) pair uniquely addressing a
// stored blob. It is a back-reference into the shard pool, never an
// ownership transfer: shard lifetime is independent of any record.
type Locator struct {
	ShardName string
	ObjectID  string
}

// String renders the locator in its wire form "shard/objectID".
func (l Locator) String() string {
	return l.ShardName + "/" + l.ObjectID
}

// ImageRecord is the metadata row for a single-shot image upload.
type ImageRecord struct {
	// OwnerKey is the opaque producer identity ("ip:port" on the wire).
	OwnerKey  string
	Locator   Locator
	CreatedAt time.Time
}

// ArchiveRecord is the metadata row for a chunk-assembled archive. Unlike
// images, archives carry a content digest and participate in the soft-delete
// lifecycle: DeletedAt is set when the blob is removed and the row lingers
// for the retention window as an audit trail.
type ArchiveRecord struct {
	OwnerKey     string
	Locator      Locator
	OriginalName string
	// ContentDigest is the SHA-256 hex digest of the full archive bytes.
	ContentDigest string
	CreatedAt     time.Time
	// DeletedAt is nil while the record is live.
	DeletedAt *time.Time
}

// Store defines all metadata operations required by RelayStore.
// Implementations must be safe for concurrent use: the request handlers, the
// deletion sweeps, and the reconciler all operate on the same store.
type Store interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// Image operations

	// PutImage creates an image record. The locator must be unique across
	// all image records.
	PutImage(ctx context.Context, rec *ImageRecord) error

	// DeleteImage removes the image record with the given locator.
	// Removing an absent record is not an error.
	DeleteImage(ctx context.Context, loc Locator) error

	// ListImages returns up to limit image records owned by ownerKey,
	// oldest first. A non-positive limit applies the store default.
	ListImages(ctx context.Context, ownerKey string, limit int) ([]ImageRecord, error)

	// DeleteImagesBatch removes all image records with the given locators.
	DeleteImagesBatch(ctx context.Context, locs []Locator) error

	// Archive operations

	// PutArchive creates an archive record. The locator must be unique
	// across all archive records.
	PutArchive(ctx context.Context, rec *ArchiveRecord) error

	// GetArchive retrieves the archive record with the given locator,
	// soft-deleted or not. Returns (nil, nil) when the row is absent.
	GetArchive(ctx context.Context, loc Locator) (*ArchiveRecord, error)

	// ListArchives returns the non-soft-deleted archive records owned by
	// ownerKey, oldest first.
	ListArchives(ctx context.Context, ownerKey string) ([]ArchiveRecord, error)

	// DeleteArchivesBatch removes all archive records with the given
	// locators regardless of deletion state.
	DeleteArchivesBatch(ctx context.Context, locs []Locator) error

	// MarkArchiveDeleted sets DeletedAt on the record if and only if it is
	// not already set. Returns true when this call performed the transition,
	// false when the record was already soft-deleted or absent. The check
	// and the write are a single atomic step.
	MarkArchiveDeleted(ctx context.Context, loc Locator, when time.Time) (bool, error)

	// ListSoftDeleted returns every archive record with DeletedAt set.
	ListSoftDeleted(ctx context.Context) ([]ArchiveRecord, error)

	// PurgeExpired removes archive records whose DeletedAt is before the
	// cutoff. The deletion-state condition is re-checked inside the store so
	// concurrent sweeps never double-purge. Returns the number of rows removed.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}
