package usecase

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/performance"
	"github.com/sirupsen/logrus"
)

// tier thresholds, checked from best to worst
var performanceTiers = []struct {
	tier       performance.Tier
	minSuccess float64
	maxP95     time.Duration
}{
	{performance.TierExcellent, 0.99, 2 * time.Second},
	{performance.TierGood, 0.95, 5 * time.Second},
	{performance.TierDegraded, 0.80, 15 * time.Second},
}

// ClassifyTier maps a success rate and p95 latency to a performance tier.
func ClassifyTier(successRate float64, p95 time.Duration) performance.Tier {
	for _, t := range performanceTiers {
		if successRate >= t.minSuccess && p95 <= t.maxP95 {
			return t.tier
		}
	}
	return performance.TierCritical
}

// PerformanceCollector keeps a bounded trailing history of adapter call samples.
type PerformanceCollector struct {
	mu         sync.RWMutex
	samples    map[string][]performance.Sample
	retention  time.Duration
	maxSamples int
	now        func() time.Time
}

func NewPerformanceCollector(retention time.Duration, maxSamples int) *PerformanceCollector {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	return &PerformanceCollector{
		samples:    make(map[string][]performance.Sample),
		retention:  retention,
		maxSamples: maxSamples,
		now:        time.Now,
	}
}

// Record inserts a sample in timestamp order. When a platform history exceeds
// the cap only its newest half is kept.
func (c *PerformanceCollector) Record(s performance.Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.samples[s.Platform]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(s.Timestamp) })
	list = append(list, performance.Sample{})
	copy(list[i+1:], list[i:])
	list[i] = s
	if len(list) > c.maxSamples {
		keep := c.maxSamples / 2
		if keep < 1 {
			keep = 1
		}
		list = append([]performance.Sample(nil), list[len(list)-keep:]...)
	}
	c.samples[s.Platform] = list
}

// Summary aggregates the samples of platform in the trailing window.
func (c *PerformanceCollector) Summary(platform string, window time.Duration) performance.Summary {
	if window <= 0 || window > c.retention {
		window = c.retention
	}
	cutoff := c.now().Add(-window)

	c.mu.RLock()
	var latencies []time.Duration
	successes := 0
	var total time.Duration
	for _, s := range c.samples[platform] {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		latencies = append(latencies, s.Latency)
		total += s.Latency
		if s.Success {
			successes++
		}
	}
	c.mu.RUnlock()

	sum := performance.Summary{Platform: platform, Window: window, Count: len(latencies), Successes: successes, Tier: performance.TierUnknown}
	if len(latencies) == 0 {
		return sum
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	sum.SuccessRate = float64(successes) / float64(len(latencies))
	sum.P50 = percentile(latencies, 0.50)
	sum.P95 = percentile(latencies, 0.95)
	sum.P99 = percentile(latencies, 0.99)
	sum.Avg = total / time.Duration(len(latencies))
	sum.Tier = ClassifyTier(sum.SuccessRate, sum.P95)
	return sum
}

// Summaries returns one summary per platform that has samples.
func (c *PerformanceCollector) Summaries(window time.Duration) []performance.Summary {
	c.mu.RLock()
	names := make([]string, 0, len(c.samples))
	for p := range c.samples {
		names = append(names, p)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	out := make([]performance.Summary, 0, len(names))
	for _, p := range names {
		out = append(out, c.Summary(p, window))
	}
	return out
}

// Prune drops samples older than the retention window and returns how many.
// Histories are kept in timestamp order by Record.
func (c *PerformanceCollector) Prune() int {
	cutoff := c.now().Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for p, list := range c.samples {
		i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(cutoff) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(list) {
			delete(c.samples, p)
			continue
		}
		c.samples[p] = append([]performance.Sample(nil), list[i:]...)
	}
	return removed
}

func (c *PerformanceCollector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				logrus.Debugf("[PERFORMANCE] Pruned %d samples", n)
			}
		}
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
