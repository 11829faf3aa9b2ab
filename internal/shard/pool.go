package shard

import (
	"context"
	"fmt"
	"sync"

	apierr "github.com/relaystore/relaystore/internal/errors"
)

// Pool is the fixed, ordered set of shards the relay distributes blobs
// across. The order is the round-robin order. Pools are immutable after
// construction.
type Pool struct {
	shards []Shard
	byName map[string]Shard
}

// NewPool creates a Pool over the given shards. Shard names must be unique;
// duplicates are a configuration error.
func NewPool(shards []Shard) (*Pool, error) {
	byName := make(map[string]Shard, len(shards))
	for _, s := range shards {
		if _, dup := byName[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate shard name %q", s.Name())
		}
		byName[s.Name()] = s
	}
	return &Pool{shards: shards, byName: byName}, nil
}

// Get resolves a shard by name. The second return value reports whether the
// name is known to the pool.
func (p *Pool) Get(name string) (Shard, bool) {
	s, ok := p.byName[name]
	return s, ok
}

// Shards returns the shards in pool order. Callers must not mutate the
// returned slice.
func (p *Pool) Shards() []Shard {
	return p.shards
}

// Len returns the number of shards in the pool.
func (p *Pool) Len() int {
	return len(p.shards)
}

// TotalStats aggregates usage and capacity across every reporting shard.
// A shard that fails to report is skipped and the first failure is returned
// alongside the partial totals.
func (p *Pool) TotalStats(ctx context.Context) (Stats, error) {
	var total Stats
	var firstErr error
	for _, s := range p.shards {
		st, err := s.Stats(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("stats for shard %q: %w", s.Name(), err)
			}
			continue
		}
		total.UsedBytes += st.UsedBytes
		total.CapacityBytes += st.CapacityBytes
	}
	return total, firstErr
}

// Selector hands out shards from the pool in strict round-robin order. The
// cursor is the single most contended shared value in the process, so it is
// guarded by a mutex; callers observe a serialized sequence of handles.
type Selector struct {
	mu     sync.Mutex
	pool   *Pool
	cursor int
}

// NewSelector creates a Selector starting at the first shard in pool order.
func NewSelector(pool *Pool) *Selector {
	return &Selector{pool: pool}
}

// Next returns the next shard in round-robin order, or ErrNoShardsAvailable
// if the pool is empty.
func (s *Selector) Next() (Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool.Len() == 0 {
		return nil, apierr.ErrNoShardsAvailable
	}
	sh := s.pool.shards[s.cursor]
	s.cursor = (s.cursor + 1) % s.pool.Len()
	return sh, nil
}
