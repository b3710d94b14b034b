package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/AzielCF/az-publisher/domains/recovery"
)

// MemoryIncidentStore implements recovery.IncidentStore in memory.
// Resolved incidents beyond maxResolved are evicted oldest first.
type MemoryIncidentStore struct {
	mu          sync.RWMutex
	incidents   map[string]*recovery.Incident
	maxResolved int
}

func NewMemoryIncidentStore(maxResolved int) *MemoryIncidentStore {
	if maxResolved <= 0 {
		maxResolved = 500
	}
	return &MemoryIncidentStore{
		incidents:   make(map[string]*recovery.Incident),
		maxResolved: maxResolved,
	}
}

func incidentKey(platform, id string) string {
	return platform + ":" + id
}

func (s *MemoryIncidentStore) Save(ctx context.Context, incident *recovery.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[incidentKey(incident.Platform, incident.ID)] = incident.Clone()
	s.evictLocked()
	return nil
}

func (s *MemoryIncidentStore) Get(ctx context.Context, platform, id string) (*recovery.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[incidentKey(platform, id)]
	if !ok {
		return nil, nil
	}
	return inc.Clone(), nil
}

func (s *MemoryIncidentStore) List(ctx context.Context, filter recovery.IncidentFilter) ([]*recovery.Incident, error) {
	s.mu.RLock()
	all := make([]*recovery.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		all = append(all, inc)
	}
	s.mu.RUnlock()
	return filterIncidents(all, filter), nil
}

func (s *MemoryIncidentStore) evictLocked() {
	var closed []*recovery.Incident
	for _, inc := range s.incidents {
		if !inc.Status.Active() {
			closed = append(closed, inc)
		}
	}
	if len(closed) <= s.maxResolved {
		return
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].LastSeen.Before(closed[j].LastSeen) })
	for _, inc := range closed[:len(closed)-s.maxResolved] {
		delete(s.incidents, incidentKey(inc.Platform, inc.ID))
	}
}

// filterIncidents applies filter and returns clones, most recently seen first.
func filterIncidents(all []*recovery.Incident, filter recovery.IncidentFilter) []*recovery.Incident {
	out := make([]*recovery.Incident, 0, len(all))
	for _, inc := range all {
		if filter.Platform != "" && inc.Platform != filter.Platform {
			continue
		}
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
