package jobmonitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-publisher/domains/queue"
)

type Stats struct {
	TotalEnqueued     int64         `json:"total_enqueued"`
	TotalClaimed      int64         `json:"total_claimed"`
	TotalCompleted    int64         `json:"total_completed"`
	TotalRetried      int64         `json:"total_retried"`
	TotalDeadLettered int64         `json:"total_dead_lettered"`
	TotalDeferred     int64         `json:"total_deferred"`
	TotalCancelled    int64         `json:"total_cancelled"`
	RecentEvents      []queue.Event `json:"recent_events"`
}

// Monitor keeps a bounded ring buffer of recent job events plus running totals.
// It implements queue.Observer.
type Monitor struct {
	eventsMu sync.Mutex
	events   []queue.Event
	idx      int
	count    int
	ttl      time.Duration

	totalEnqueued     int64
	totalClaimed      int64
	totalCompleted    int64
	totalRetried      int64
	totalDeadLettered int64
	totalDeferred     int64
	totalCancelled    int64

	// OnEvent is an optional hook to forward events (websocket hub, metrics).
	OnEvent func(e queue.Event)
}

// New creates a monitor holding up to size events; events older than ttl are
// hidden from GetStats (0 keeps them until overwritten).
func New(size int, ttl time.Duration) *Monitor {
	if size <= 0 {
		size = 200
	}
	return &Monitor{events: make([]queue.Event, size), ttl: ttl}
}

func (m *Monitor) OnJobEvent(e queue.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	switch e.Type {
	case queue.EventEnqueued:
		atomic.AddInt64(&m.totalEnqueued, 1)
	case queue.EventClaimed:
		atomic.AddInt64(&m.totalClaimed, 1)
	case queue.EventCompleted:
		atomic.AddInt64(&m.totalCompleted, 1)
	case queue.EventRetrying:
		atomic.AddInt64(&m.totalRetried, 1)
	case queue.EventDeadLettered:
		atomic.AddInt64(&m.totalDeadLettered, 1)
	case queue.EventDeferred:
		atomic.AddInt64(&m.totalDeferred, 1)
	case queue.EventCancelled:
		atomic.AddInt64(&m.totalCancelled, 1)
	}

	m.eventsMu.Lock()
	m.events[m.idx] = e
	m.idx = (m.idx + 1) % len(m.events)
	if m.count < len(m.events) {
		m.count++
	}
	m.eventsMu.Unlock()

	if m.OnEvent != nil {
		m.OnEvent(e)
	}
}

// GetStats returns totals and the buffered events, oldest first.
func (m *Monitor) GetStats() Stats {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	res := make([]queue.Event, 0, m.count)
	cutoff := time.Time{}
	if m.ttl > 0 {
		cutoff = time.Now().UTC().Add(-m.ttl)
	}
	start := (m.idx - m.count) % len(m.events)
	if start < 0 {
		start += len(m.events)
	}
	for i := 0; i < m.count; i++ {
		e := m.events[(start+i)%len(m.events)]
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		res = append(res, e)
	}

	return Stats{
		TotalEnqueued:     atomic.LoadInt64(&m.totalEnqueued),
		TotalClaimed:      atomic.LoadInt64(&m.totalClaimed),
		TotalCompleted:    atomic.LoadInt64(&m.totalCompleted),
		TotalRetried:      atomic.LoadInt64(&m.totalRetried),
		TotalDeadLettered: atomic.LoadInt64(&m.totalDeadLettered),
		TotalDeferred:     atomic.LoadInt64(&m.totalDeferred),
		TotalCancelled:    atomic.LoadInt64(&m.totalCancelled),
		RecentEvents:      res,
	}
}

// Filter returns buffered events for one platform (all when empty), newest last.
func (m *Monitor) Filter(platform string, limit int) []queue.Event {
	events := m.GetStats().RecentEvents
	out := make([]queue.Event, 0, len(events))
	for _, e := range events {
		if platform == "" || e.Job.Platform == platform {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
