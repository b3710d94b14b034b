package jobmonitor

import (
	"testing"
	"time"

	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/stretchr/testify/assert"
)

func event(t queue.EventType, platform, id string) queue.Event {
	return queue.Event{Type: t, Job: queue.Job{ID: id, Platform: platform}}
}

func TestMonitor_RingBufferKeepsNewest(t *testing.T) {
	m := New(3, 0)
	for _, id := range []string{"a", "b", "c", "d"} {
		m.OnJobEvent(event(queue.EventEnqueued, "twitter", id))
	}
	stats := m.GetStats()
	assert.Equal(t, int64(4), stats.TotalEnqueued)
	ids := []string{}
	for _, e := range stats.RecentEvents {
		ids = append(ids, e.Job.ID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
}

func TestMonitor_TotalsPerType(t *testing.T) {
	m := New(10, 0)
	m.OnJobEvent(event(queue.EventClaimed, "ghost", "1"))
	m.OnJobEvent(event(queue.EventRetrying, "ghost", "1"))
	m.OnJobEvent(event(queue.EventDeadLettered, "ghost", "1"))
	m.OnJobEvent(event(queue.EventCompleted, "ghost", "2"))
	m.OnJobEvent(event(queue.EventDeferred, "ghost", "3"))
	m.OnJobEvent(event(queue.EventCancelled, "ghost", "4"))

	s := m.GetStats()
	assert.Equal(t, int64(1), s.TotalClaimed)
	assert.Equal(t, int64(1), s.TotalRetried)
	assert.Equal(t, int64(1), s.TotalDeadLettered)
	assert.Equal(t, int64(1), s.TotalCompleted)
	assert.Equal(t, int64(1), s.TotalDeferred)
	assert.Equal(t, int64(1), s.TotalCancelled)
}

func TestMonitor_TTLHidesOldEvents(t *testing.T) {
	m := New(10, time.Minute)
	old := event(queue.EventEnqueued, "twitter", "old")
	old.Timestamp = time.Now().UTC().Add(-time.Hour)
	m.OnJobEvent(old)
	m.OnJobEvent(event(queue.EventEnqueued, "twitter", "new"))

	events := m.GetStats().RecentEvents
	assert.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Job.ID)
}

func TestMonitor_FilterAndHook(t *testing.T) {
	m := New(10, 0)
	var forwarded int
	m.OnEvent = func(queue.Event) { forwarded++ }
	m.OnJobEvent(event(queue.EventEnqueued, "twitter", "1"))
	m.OnJobEvent(event(queue.EventEnqueued, "ghost", "2"))
	m.OnJobEvent(event(queue.EventEnqueued, "twitter", "3"))

	assert.Equal(t, 3, forwarded)
	tw := m.Filter("twitter", 0)
	assert.Len(t, tw, 2)
	last := m.Filter("", 1)
	assert.Equal(t, "3", last[0].Job.ID)
}
