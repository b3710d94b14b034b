package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/AzielCF/az-publisher/domains/publication"
)

// MemoryPublicationRepository implements publication.Repository in memory.
type MemoryPublicationRepository struct {
	mu    sync.RWMutex
	items map[string]*publication.Publication
}

func NewMemoryPublicationRepository() *MemoryPublicationRepository {
	return &MemoryPublicationRepository{items: make(map[string]*publication.Publication)}
}

func clonePublication(p *publication.Publication) *publication.Publication {
	c := *p
	c.Platforms = append([]string(nil), p.Platforms...)
	c.Jobs = make(map[string]string, len(p.Jobs))
	for k, v := range p.Jobs {
		c.Jobs[k] = v
	}
	if p.ScheduleAt != nil {
		t := *p.ScheduleAt
		c.ScheduleAt = &t
	}
	return &c
}

func (r *MemoryPublicationRepository) Create(ctx context.Context, p *publication.Publication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.ID] = clonePublication(p)
	return nil
}

func (r *MemoryPublicationRepository) Get(ctx context.Context, id string) (*publication.Publication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[id]
	if !ok {
		return nil, publication.ErrPublicationNotFound
	}
	return clonePublication(p), nil
}

func (r *MemoryPublicationRepository) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return publication.ErrPublicationNotFound
	}
	p.Cancelled = cancelled
	return nil
}

func (r *MemoryPublicationRepository) List(ctx context.Context, limit, offset int) ([]*publication.Publication, error) {
	r.mu.RLock()
	all := make([]*publication.Publication, 0, len(r.items))
	for _, p := range r.items {
		all = append(all, clonePublication(p))
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return page(all, limit, offset), nil
}

func page(all []*publication.Publication, limit, offset int) []*publication.Publication {
	if offset >= len(all) {
		return []*publication.Publication{}
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}
