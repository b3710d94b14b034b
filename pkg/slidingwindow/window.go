// Package slidingwindow implements a bounded ring buffer of time-bucketed counters.
// A Window is not safe for concurrent use; callers guard it with their own lock.
package slidingwindow

import "time"

type bucket struct {
	start int64 // unix seconds, aligned to the bucket width
	count int64
}

// Bucket is an exported view of one non-empty slot.
type Bucket struct {
	Start int64
	Count int64
}

type Window struct {
	width   int64
	buckets []bucket
}

// New creates a window covering size*width. width is truncated to whole seconds.
func New(size int, width time.Duration) *Window {
	if size <= 0 {
		size = 1
	}
	w := int64(width / time.Second)
	if w <= 0 {
		w = 1
	}
	return &Window{width: w, buckets: make([]bucket, size)}
}

// Span is the total duration covered by the window.
func (w *Window) Span() time.Duration {
	return time.Duration(w.width*int64(len(w.buckets))) * time.Second
}

func (w *Window) align(ts int64) int64 {
	return ts - mod(ts, w.width)
}

func (w *Window) index(start int64) int {
	return int(mod(start/w.width, int64(len(w.buckets))))
}

// oldest is the start of the oldest bucket still inside the window at now.
func (w *Window) oldest(now int64) int64 {
	return w.align(now) - w.width*int64(len(w.buckets)-1)
}

// Add records n events at t. Events older than the window are ignored.
func (w *Window) Add(t time.Time, n int64) {
	ts := t.Unix()
	start := w.align(ts)
	i := w.index(start)
	b := &w.buckets[i]
	if b.start != start {
		if b.start > start {
			return
		}
		b.start = start
		b.count = 0
	}
	b.count += n
}

// Remove takes back up to n events recorded at t. It is a no-op once the
// bucket holding t has been reused.
func (w *Window) Remove(t time.Time, n int64) {
	start := w.align(t.Unix())
	b := &w.buckets[w.index(start)]
	if b.start != start {
		return
	}
	b.count -= n
	if b.count < 0 {
		b.count = 0
	}
}

// Count is the number of events within the window ending at now.
func (w *Window) Count(now time.Time) int64 {
	oldest := w.oldest(now.Unix())
	latest := w.align(now.Unix())
	var total int64
	for _, b := range w.buckets {
		if b.count > 0 && b.start >= oldest && b.start <= latest {
			total += b.count
		}
	}
	return total
}

// WaitBelow returns how long until the count drops below limit, assuming no new
// events. Zero when it already is.
func (w *Window) WaitBelow(now time.Time, limit int64) time.Duration {
	usage := w.Count(now)
	if usage < limit {
		return 0
	}
	ts := now.Unix()
	oldest := w.oldest(ts)
	span := w.width * int64(len(w.buckets))
	for start := oldest; start <= w.align(ts); start += w.width {
		b := w.buckets[w.index(start)]
		if b.start != start || b.count == 0 {
			continue
		}
		usage -= b.count
		if usage < limit {
			wait := time.Duration(start+span-ts) * time.Second
			if wait <= 0 {
				wait = time.Second
			}
			return wait
		}
	}
	return w.Span()
}

// ResetIn is the time until the oldest non-empty bucket leaves the window.
func (w *Window) ResetIn(now time.Time) time.Duration {
	ts := now.Unix()
	oldest := w.oldest(ts)
	span := w.width * int64(len(w.buckets))
	for start := oldest; start <= w.align(ts); start += w.width {
		b := w.buckets[w.index(start)]
		if b.start == start && b.count > 0 {
			return time.Duration(start+span-ts) * time.Second
		}
	}
	return 0
}

// Buckets returns the non-empty buckets inside the window, oldest first.
func (w *Window) Buckets(now time.Time) []Bucket {
	ts := now.Unix()
	var out []Bucket
	for start := w.oldest(ts); start <= w.align(ts); start += w.width {
		b := w.buckets[w.index(start)]
		if b.start == start && b.count > 0 {
			out = append(out, Bucket{Start: b.start, Count: b.count})
		}
	}
	return out
}

// Restore replaces the window content. Buckets outside the window at now are dropped.
func (w *Window) Restore(now time.Time, buckets []Bucket) {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
	oldest := w.oldest(now.Unix())
	for _, b := range buckets {
		start := w.align(b.Start)
		if start < oldest {
			continue
		}
		w.Add(time.Unix(start, 0), b.Count)
	}
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
