package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/shard"
)

// Lifecycle implements the archive soft-delete protocol: the blob is removed
// immediately, while the metadata record lingers with a deletion timestamp
// for the retention window before the purge sweep drops it. During the
// window the record still answers digest lookups and appears in the
// pending-deletion log.
type Lifecycle struct {
	pool      *shard.Pool
	store     metadata.Store
	retention time.Duration
}

// NewLifecycle creates a Lifecycle with the given retention window.
func NewLifecycle(pool *shard.Pool, store metadata.Store, retention time.Duration) *Lifecycle {
	return &Lifecycle{pool: pool, store: store, retention: retention}
}

// MarkDeleted removes the blob at loc and soft-deletes its archive record.
// Idempotent: a second call finds the blob gone and the record already
// marked, and succeeds without effect. The deletion timestamp is set by
// whichever caller wins the mark, never overwritten.
func (l *Lifecycle) MarkDeleted(ctx context.Context, loc metadata.Locator) error {
	if sh, ok := l.pool.Get(loc.ShardName); ok {
		if err := sh.Delete(ctx, loc.ObjectID); err != nil && !errors.Is(err, shard.ErrObjectNotFound) {
			return err
		}
	}

	won, err := l.store.MarkArchiveDeleted(ctx, loc, time.Now().UTC())
	if err != nil {
		return err
	}
	if won {
		slog.Info("archive soft-deleted", "locator", loc.String(), "retention", l.retention)
	}
	return nil
}

// LogPending writes one log line per soft-deleted record still inside its
// retention window, with the time remaining until the purge sweep takes it.
func (l *Lifecycle) LogPending(ctx context.Context, now time.Time) {
	records, err := l.store.ListSoftDeleted(ctx)
	if err != nil {
		slog.Error("listing pending deletions", "error", err)
		return
	}
	for _, rec := range records {
		remaining := rec.DeletedAt.Add(l.retention).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		slog.Info("archive pending purge",
			"locator", rec.Locator.String(),
			"name", rec.OriginalName,
			"deleted_at", rec.DeletedAt.Format(time.RFC3339),
			"purge_in", remaining.Round(time.Second),
		)
	}
}

// PurgeExpired removes archive records whose retention window has elapsed as
// of now. Returns the number of records purged.
func (l *Lifecycle) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	purged, err := l.store.PurgeExpired(ctx, now.Add(-l.retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		slog.Info("purged expired archive records", "count", purged)
	}
	return purged, nil
}
