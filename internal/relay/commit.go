// Package relay implements the core blob-relay semantics: two-phase commits
// across the shard pool and metadata store, chunked upload sessions, range
// streaming, the soft-delete lifecycle, and metadata reconciliation.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apierr "github.com/relaystore/relaystore/internal/errors"
	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/shard"
)

// Committer performs two-phase blob commits: write the blob to a shard, verify
// it is retrievable, then write the metadata record. A blob without a record
// is invisible garbage the reconciler never sees, so the blob is rolled back
// whenever the metadata write fails. A record without a blob is the dangerous
// direction and never survives a commit.
type Committer struct {
	selector *shard.Selector
	pool     *shard.Pool
	store    metadata.Store
}

// NewCommitter creates a Committer over the given pool and metadata store.
func NewCommitter(pool *shard.Pool, selector *shard.Selector, store metadata.Store) *Committer {
	return &Committer{selector: selector, pool: pool, store: store}
}

// CommitImage writes an image blob to the next shard in round-robin order and
// records it. Returns the locator of the committed blob.
func (c *Committer) CommitImage(ctx context.Context, ownerKey string, data io.Reader, size int64) (metadata.Locator, error) {
	loc, err := c.writeBlob(ctx, data, size)
	if err != nil {
		return metadata.Locator{}, err
	}

	rec := &metadata.ImageRecord{
		OwnerKey:  ownerKey,
		Locator:   loc,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.PutImage(ctx, rec); err != nil {
		c.rollbackBlob(ctx, loc, err)
		return metadata.Locator{}, apierr.ErrMetadataWriteFailed
	}
	return loc, nil
}

// CommitArchive writes an assembled archive blob to the next shard in
// round-robin order and records it together with its original name and
// content digest.
func (c *Committer) CommitArchive(ctx context.Context, ownerKey, originalName, contentDigest string, data []byte) (metadata.Locator, error) {
	loc, err := c.writeBlob(ctx, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return metadata.Locator{}, err
	}

	rec := &metadata.ArchiveRecord{
		OwnerKey:      ownerKey,
		Locator:       loc,
		OriginalName:  originalName,
		ContentDigest: contentDigest,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.PutArchive(ctx, rec); err != nil {
		c.rollbackBlob(ctx, loc, err)
		return metadata.Locator{}, apierr.ErrMetadataWriteFailed
	}
	return loc, nil
}

// writeBlob is phase one: pick a shard, write the blob under a fresh object
// identifier, and verify it is retrievable before any record exists.
func (c *Committer) writeBlob(ctx context.Context, data io.Reader, size int64) (metadata.Locator, error) {
	sh, err := c.selector.Next()
	if err != nil {
		return metadata.Locator{}, err
	}

	objectID := uuid.NewString()
	loc := metadata.Locator{ShardName: sh.Name(), ObjectID: objectID}

	if _, err := sh.Put(ctx, objectID, data, size); err != nil {
		slog.Error("blob write failed", "locator", loc.String(), "error", err)
		return metadata.Locator{}, apierr.ErrBlobWriteFailed
	}

	exists, err := sh.Exists(ctx, objectID)
	if err != nil || !exists {
		// The write reported success but the blob is not retrievable.
		// Clean up whatever landed and fail the commit.
		c.rollbackBlob(ctx, loc, fmt.Errorf("post-write verification failed: exists=%v err=%v", exists, err))
		return metadata.Locator{}, apierr.ErrBlobWriteFailed
	}
	return loc, nil
}

// rollbackBlob removes a blob whose commit cannot complete. Failure to roll
// back is logged, not returned: the commit error already describes the
// caller-visible outcome, and an orphaned blob is harmless to correctness.
func (c *Committer) rollbackBlob(ctx context.Context, loc metadata.Locator, cause error) {
	slog.Error("rolling back blob after failed commit", "locator", loc.String(), "cause", cause)
	sh, ok := c.pool.Get(loc.ShardName)
	if !ok {
		return
	}
	if err := sh.Delete(ctx, loc.ObjectID); err != nil && err != shard.ErrObjectNotFound {
		slog.Error("blob rollback failed", "locator", loc.String(), "error", err)
	}
}
