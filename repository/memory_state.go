package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/AzielCF/az-publisher/domains/ratelimit"
	"github.com/AzielCF/az-publisher/domains/recovery"
)

// MemoryStateStore keeps breaker and rate-limit snapshots in memory.
// It implements recovery.StateStore and ratelimit.SnapshotStore.
type MemoryStateStore struct {
	mu         sync.RWMutex
	breakers   map[string]recovery.BreakerSnapshot
	rateLimits map[string]ratelimit.Snapshot
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		breakers:   make(map[string]recovery.BreakerSnapshot),
		rateLimits: make(map[string]ratelimit.Snapshot),
	}
}

func (s *MemoryStateStore) SaveBreaker(ctx context.Context, snap recovery.BreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[snap.Platform] = snap
	return nil
}

func (s *MemoryStateStore) LoadBreakers(ctx context.Context) ([]recovery.BreakerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]recovery.BreakerSnapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *MemoryStateStore) SaveRateLimit(ctx context.Context, snap ratelimit.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits[snap.Platform] = snap
	return nil
}

func (s *MemoryStateStore) LoadRateLimits(ctx context.Context) ([]ratelimit.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ratelimit.Snapshot, 0, len(s.rateLimits))
	for _, r := range s.rateLimits {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}
