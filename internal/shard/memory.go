package shard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryShard implements the Shard interface using an in-memory map. It is
// used in tests and as a throwaway shard type for local development.
type MemoryShard struct {
	name     string
	capacity int64

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryShard creates an empty MemoryShard with the given name.
func NewMemoryShard(name string, capacityBytes int64) *MemoryShard {
	return &MemoryShard{
		name:     name,
		capacity: capacityBytes,
		objects:  make(map[string][]byte),
	}
}

// Name returns the shard name.
func (s *MemoryShard) Name() string {
	return s.name
}

// Put stores the object bytes in the map.
func (s *MemoryShard) Put(ctx context.Context, objectID string, reader io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("reading object data: %w", err)
	}
	s.mu.Lock()
	s.objects[objectID] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}

// Open returns a reader over a copy-free view of the stored bytes.
func (s *MemoryShard) Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error) {
	s.mu.RLock()
	data, ok := s.objects[objectID]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes the object from the map.
func (s *MemoryShard) Delete(ctx context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[objectID]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, objectID)
	return nil
}

// Exists checks object presence.
func (s *MemoryShard) Exists(ctx context.Context, objectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[objectID]
	return ok, nil
}

// Stats sums the stored object sizes.
func (s *MemoryShard) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var used int64
	for _, data := range s.objects {
		used += int64(len(data))
	}
	return Stats{UsedBytes: used, CapacityBytes: s.capacity}, nil
}
