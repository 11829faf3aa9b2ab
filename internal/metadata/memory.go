package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements the Store interface with in-memory maps. It is used
// in tests and for throwaway local development.
type MemoryStore struct {
	mu       sync.RWMutex
	images   map[Locator]ImageRecord
	archives map[Locator]ArchiveRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images:   make(map[Locator]ImageRecord),
		archives: make(map[Locator]ArchiveRecord),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// Ping is a no-op for the memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// PutImage creates an image record.
func (s *MemoryStore) PutImage(ctx context.Context, rec *ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[rec.Locator]; ok {
		return fmt.Errorf("image record already exists: %s", rec.Locator)
	}
	s.images[rec.Locator] = *rec
	return nil
}

// DeleteImage removes an image record. Absent records are ignored.
func (s *MemoryStore) DeleteImage(ctx context.Context, loc Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, loc)
	return nil
}

// ListImages returns up to limit image records for the owner, oldest first.
func (s *MemoryStore) ListImages(ctx context.Context, ownerKey string, limit int) ([]ImageRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.RLock()
	var records []ImageRecord
	for _, rec := range s.images {
		if rec.OwnerKey == ownerKey {
			records = append(records, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Locator.ObjectID < records[j].Locator.ObjectID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// DeleteImagesBatch removes all image records with the given locators.
func (s *MemoryStore) DeleteImagesBatch(ctx context.Context, locs []Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, loc := range locs {
		delete(s.images, loc)
	}
	return nil
}

// PutArchive creates an archive record.
func (s *MemoryStore) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[rec.Locator]; ok {
		return fmt.Errorf("archive record already exists: %s", rec.Locator)
	}
	s.archives[rec.Locator] = *rec
	return nil
}

// GetArchive retrieves an archive record, soft-deleted or not.
func (s *MemoryStore) GetArchive(ctx context.Context, loc Locator) (*ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.archives[loc]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// ListArchives returns the live archive records for the owner, oldest first.
func (s *MemoryStore) ListArchives(ctx context.Context, ownerKey string) ([]ArchiveRecord, error) {
	s.mu.RLock()
	var records []ArchiveRecord
	for _, rec := range s.archives {
		if rec.OwnerKey == ownerKey && rec.DeletedAt == nil {
			records = append(records, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Locator.ObjectID < records[j].Locator.ObjectID
	})
	return records, nil
}

// DeleteArchivesBatch removes all archive records with the given locators.
func (s *MemoryStore) DeleteArchivesBatch(ctx context.Context, locs []Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, loc := range locs {
		delete(s.archives, loc)
	}
	return nil
}

// MarkArchiveDeleted sets DeletedAt under the write lock, so only one of any
// set of concurrent callers observes the transition.
func (s *MemoryStore) MarkArchiveDeleted(ctx context.Context, loc Locator, when time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.archives[loc]
	if !ok || rec.DeletedAt != nil {
		return false, nil
	}
	t := when
	rec.DeletedAt = &t
	s.archives[loc] = rec
	return true, nil
}

// ListSoftDeleted returns every archive record with DeletedAt set.
func (s *MemoryStore) ListSoftDeleted(ctx context.Context) ([]ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []ArchiveRecord
	for _, rec := range s.archives {
		if rec.DeletedAt != nil {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeletedAt.Before(*records[j].DeletedAt)
	})
	return records, nil
}

// PurgeExpired removes archive records soft-deleted before the cutoff.
func (s *MemoryStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for loc, rec := range s.archives {
		if rec.DeletedAt != nil && rec.DeletedAt.Before(cutoff) {
			delete(s.archives, loc)
			purged++
		}
	}
	return purged, nil
}
