package relay

import (
	"context"
	"log/slog"

	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/metrics"
	"github.com/relaystore/relaystore/internal/shard"
)

// Reconciler makes listings self-healing. A metadata record whose blob is
// gone (shard wiped, bucket emptied out-of-band, shard dropped from the
// config) is an orphan: the reconciler filters it out of the listing and
// deletes it in the background of the same request, so the next listing
// starts clean. Healing is silent; the client only ever sees live records.
type Reconciler struct {
	pool  *shard.Pool
	store metadata.Store
}

// NewReconciler creates a Reconciler over the given pool and store.
func NewReconciler(pool *shard.Pool, store metadata.Store) *Reconciler {
	return &Reconciler{pool: pool, store: store}
}

// ListImages returns the owner's image records whose blobs still exist,
// batch-deleting any orphaned records found along the way.
func (r *Reconciler) ListImages(ctx context.Context, ownerKey string, limit int) ([]metadata.ImageRecord, error) {
	records, err := r.store.ListImages(ctx, ownerKey, limit)
	if err != nil {
		return nil, err
	}

	live := records[:0]
	var orphans []metadata.Locator
	for _, rec := range records {
		if r.blobExists(ctx, rec.Locator) {
			live = append(live, rec)
		} else {
			orphans = append(orphans, rec.Locator)
		}
	}

	if len(orphans) > 0 {
		slog.Warn("healing orphaned image records", "owner", ownerKey, "count", len(orphans))
		if err := r.store.DeleteImagesBatch(ctx, orphans); err != nil {
			slog.Error("deleting orphaned image records", "error", err)
		} else {
			metrics.OrphansHealedTotal.Add(float64(len(orphans)))
		}
	}
	return live, nil
}

// ListArchives returns the owner's live archive records whose blobs still
// exist, batch-deleting any orphaned records found along the way.
// Soft-deleted records are not orphans; the store excludes them here and the
// purge sweep owns their removal.
func (r *Reconciler) ListArchives(ctx context.Context, ownerKey string) ([]metadata.ArchiveRecord, error) {
	records, err := r.store.ListArchives(ctx, ownerKey)
	if err != nil {
		return nil, err
	}

	live := records[:0]
	var orphans []metadata.Locator
	for _, rec := range records {
		if r.blobExists(ctx, rec.Locator) {
			live = append(live, rec)
		} else {
			orphans = append(orphans, rec.Locator)
		}
	}

	if len(orphans) > 0 {
		slog.Warn("healing orphaned archive records", "owner", ownerKey, "count", len(orphans))
		if err := r.store.DeleteArchivesBatch(ctx, orphans); err != nil {
			slog.Error("deleting orphaned archive records", "error", err)
		} else {
			metrics.OrphansHealedTotal.Add(float64(len(orphans)))
		}
	}
	return live, nil
}

// blobExists reports whether the locator resolves to a present blob. An
// unknown shard name means the shard left the config, which orphans every
// record pointing at it. A shard error is treated as present: never heal on
// uncertainty, a flapping shard must not wipe valid records.
func (r *Reconciler) blobExists(ctx context.Context, loc metadata.Locator) bool {
	sh, ok := r.pool.Get(loc.ShardName)
	if !ok {
		return false
	}
	exists, err := sh.Exists(ctx, loc.ObjectID)
	if err != nil {
		slog.Error("existence check failed during reconciliation", "locator", loc.String(), "error", err)
		return true
	}
	return exists
}
