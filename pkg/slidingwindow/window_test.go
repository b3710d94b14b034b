package slidingwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestWindow_CountWithinSpan(t *testing.T) {
	w := New(60, time.Minute)
	w.Add(base.Add(10*time.Second), 3)
	w.Add(base.Add(5*time.Minute), 2)

	assert.Equal(t, int64(5), w.Count(base.Add(30*time.Minute)))
	assert.Equal(t, int64(2), w.Count(base.Add(61*time.Minute)))
	assert.Equal(t, int64(0), w.Count(base.Add(2*time.Hour)))
}

func TestWindow_SlotReuseDropsStaleBucket(t *testing.T) {
	w := New(3, time.Minute)
	w.Add(base, 5)
	w.Add(base.Add(3*time.Minute), 1)
	assert.Equal(t, int64(1), w.Count(base.Add(3*time.Minute)))

	// late event for a bucket already recycled
	w.Add(base, 4)
	assert.Equal(t, int64(1), w.Count(base.Add(3*time.Minute)))
}

func TestWindow_Remove(t *testing.T) {
	w := New(3, time.Minute)
	w.Add(base, 2)
	w.Remove(base.Add(30*time.Second), 1)
	assert.Equal(t, int64(1), w.Count(base))

	w.Remove(base, 5)
	assert.Equal(t, int64(0), w.Count(base))

	// bucket reused by a later minute
	w.Add(base.Add(3*time.Minute), 4)
	w.Remove(base, 1)
	assert.Equal(t, int64(4), w.Count(base.Add(3*time.Minute)))
}

func TestWindow_WaitBelow(t *testing.T) {
	w := New(60, time.Minute)
	w.Add(base.Add(10*time.Second), 60)
	w.Add(base.Add(20*time.Minute), 40)
	now := base.Add(30*time.Minute + 30*time.Second)

	assert.Equal(t, time.Duration(0), w.WaitBelow(now, 101))
	// dropping the first bucket brings usage to 40 < 100
	assert.Equal(t, 29*time.Minute+30*time.Second, w.WaitBelow(now, 100))
	// both buckets must expire to get below 40
	assert.Equal(t, 49*time.Minute+30*time.Second, w.WaitBelow(now, 40))
}

func TestWindow_ResetIn(t *testing.T) {
	w := New(24, time.Hour)
	assert.Equal(t, time.Duration(0), w.ResetIn(base))
	w.Add(base.Add(15*time.Minute), 1)
	assert.Equal(t, 23*time.Hour+30*time.Minute, w.ResetIn(base.Add(30*time.Minute)))
}

func TestWindow_BucketsRestore(t *testing.T) {
	w := New(60, time.Minute)
	w.Add(base, 1)
	w.Add(base.Add(time.Minute), 2)
	now := base.Add(2 * time.Minute)

	snap := w.Buckets(now)
	assert.Equal(t, []Bucket{{Start: base.Unix(), Count: 1}, {Start: base.Add(time.Minute).Unix(), Count: 2}}, snap)

	r := New(60, time.Minute)
	r.Restore(now, snap)
	assert.Equal(t, int64(3), r.Count(now))

	// restoring long after drops expired buckets
	late := New(60, time.Minute)
	late.Restore(base.Add(90*time.Minute), snap)
	assert.Equal(t, int64(0), late.Count(base.Add(90*time.Minute)))
}

func TestWindow_Span(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, New(30, 24*time.Hour).Span())
}
