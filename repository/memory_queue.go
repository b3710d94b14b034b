package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/queue"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
)

// MemoryQueueStore implements queue.Store with in-process maps.
// It is the default backend; data is lost on restart.
type MemoryQueueStore struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job
	seq  map[string]uint64
	next uint64

	// ready holds per-platform FIFO lists, one per priority rank.
	ready      map[string]*[4][]readyEntry
	scheduled  map[string]map[string]struct{}
	processing map[string]map[string]time.Time

	failure error
}

// readyEntry pins a ready-list slot to the enqueue sequence that created it,
// so stale slots left by earlier queued periods are skipped.
type readyEntry struct {
	id  string
	seq uint64
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{
		jobs:       make(map[string]*queue.Job),
		seq:        make(map[string]uint64),
		ready:      make(map[string]*[4][]readyEntry),
		scheduled:  make(map[string]map[string]struct{}),
		processing: make(map[string]map[string]time.Time),
	}
}

// SetFailure makes every call fail as if the backend were unreachable (nil clears it).
func (s *MemoryQueueStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *MemoryQueueStore) check() error {
	if s.failure != nil {
		return pkgError.Unavailable("queue store", s.failure)
	}
	return nil
}

func (s *MemoryQueueStore) Insert(ctx context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists: %w", job.ID, queue.ErrStateConflict)
	}
	if job.State != queue.StateQueued && job.State != queue.StateScheduled {
		return fmt.Errorf("cannot insert job in state %s: %w", job.State, queue.ErrStateConflict)
	}
	j := job.Clone()
	s.jobs[j.ID] = j
	s.index(j, j.UpdatedAt)
	return nil
}

func (s *MemoryQueueStore) Get(ctx context.Context, id string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryQueueStore) Claim(ctx context.Context, platform, owner string, now time.Time) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	lists := s.ready[platform]
	if lists == nil {
		return nil, nil
	}
	for rank := range lists {
		for len(lists[rank]) > 0 {
			e := lists[rank][0]
			lists[rank] = lists[rank][1:]
			j, ok := s.jobs[e.id]
			if !ok || j.State != queue.StateQueued || s.seq[e.id] != e.seq {
				continue
			}
			j.State = queue.StateProcessing
			j.Owner = owner
			j.CancelRequested = false
			j.UpdatedAt = now
			s.index(j, now)
			return j.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryQueueStore) Apply(ctx context.Context, id string, t queue.Transition) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	if len(t.From) > 0 && !stateIn(j.State, t.From) {
		return nil, fmt.Errorf("job %s is %s, want one of %v: %w", id, j.State, t.From, queue.ErrStateConflict)
	}
	if t.ExpectedOwner != "" && j.Owner != t.ExpectedOwner {
		return nil, queue.ErrNotOwner
	}

	s.unindex(j)
	to := t.To
	if t.HonorCancel && j.CancelRequested {
		to = queue.StateFailed
		j.LastError = "publication cancelled"
		j.LastErrorKind = queue.ErrorKindCancelled
	} else {
		if t.ClearError {
			j.LastError = ""
			j.LastErrorKind = ""
		}
		if t.LastError != "" || t.LastErrorKind != "" {
			j.LastError = t.LastError
			j.LastErrorKind = t.LastErrorKind
		}
	}
	if t.ResetAttempts {
		j.Attempts = 0
	}
	if t.IncrementAttempts {
		j.Attempts++
	}
	j.State = to
	if to != queue.StateProcessing {
		j.Owner = ""
		j.CancelRequested = false
	}
	if to == queue.StateScheduled {
		j.ScheduledAt = t.RunAt
	}
	j.UpdatedAt = t.Now
	s.index(j, t.Now)
	return j.Clone(), nil
}

func (s *MemoryQueueStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return false, queue.ErrJobNotFound
	}
	if j.State != queue.StateProcessing {
		return false, nil
	}
	j.CancelRequested = true
	return true, nil
}

func (s *MemoryQueueStore) PromoteDue(ctx context.Context, platform string, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	var due []*queue.Job
	for id := range s.scheduled[platform] {
		j := s.jobs[id]
		if j != nil && !j.ScheduledAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].ScheduledAt.Equal(due[b].ScheduledAt) {
			return due[a].ScheduledAt.Before(due[b].ScheduledAt)
		}
		return s.seq[due[a].ID] < s.seq[due[b].ID]
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, j := range due {
		s.unindex(j)
		j.State = queue.StateQueued
		j.UpdatedAt = now
		s.index(j, now)
	}
	return len(due), nil
}

func (s *MemoryQueueStore) StaleProcessing(ctx context.Context, platform string, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var ids []string
	for id, at := range s.processing[platform] {
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryQueueStore) NextScheduled(ctx context.Context, platform string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return time.Time{}, err
	}
	var next time.Time
	for id := range s.scheduled[platform] {
		at := s.jobs[id].ScheduledAt
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, nil
}

func (s *MemoryQueueStore) Counts(ctx context.Context, platform string) (queue.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	counts := queue.Counts{}
	for _, st := range queue.AllStates {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		if j.Platform == platform {
			counts[j.State]++
		}
	}
	return counts, nil
}

func (s *MemoryQueueStore) List(ctx context.Context, platform string, state queue.State, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var matched []*queue.Job
	for _, j := range s.jobs {
		if j.Platform == platform && j.State == state {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].UpdatedAt.Equal(matched[b].UpdatedAt) {
			return matched[a].UpdatedAt.Before(matched[b].UpdatedAt)
		}
		return s.seq[matched[a].ID] < s.seq[matched[b].ID]
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	ids := make([]string, len(matched))
	for i, j := range matched {
		ids[i] = j.ID
	}
	return ids, nil
}

// index places j into the structure for its state. Callers hold mu.
func (s *MemoryQueueStore) index(j *queue.Job, at time.Time) {
	switch j.State {
	case queue.StateQueued:
		s.next++
		s.seq[j.ID] = s.next
		lists := s.ready[j.Platform]
		if lists == nil {
			lists = &[4][]readyEntry{}
			s.ready[j.Platform] = lists
		}
		rank := j.Priority.Rank()
		lists[rank] = append(lists[rank], readyEntry{id: j.ID, seq: s.next})
	case queue.StateScheduled:
		s.next++
		s.seq[j.ID] = s.next
		m := s.scheduled[j.Platform]
		if m == nil {
			m = make(map[string]struct{})
			s.scheduled[j.Platform] = m
		}
		m[j.ID] = struct{}{}
	case queue.StateProcessing:
		m := s.processing[j.Platform]
		if m == nil {
			m = make(map[string]time.Time)
			s.processing[j.Platform] = m
		}
		m[j.ID] = at
	}
}

// unindex removes j from the scheduled/processing indexes. Ready lists are
// cleaned lazily by Claim.
func (s *MemoryQueueStore) unindex(j *queue.Job) {
	delete(s.scheduled[j.Platform], j.ID)
	delete(s.processing[j.Platform], j.ID)
}

func stateIn(s queue.State, set []queue.State) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
