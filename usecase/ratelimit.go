package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/ratelimit"
	"github.com/AzielCF/az-publisher/infrastructure/metrics"
	"github.com/AzielCF/az-publisher/pkg/slidingwindow"
	"github.com/sirupsen/logrus"
)

type platformUsage struct {
	mu           sync.Mutex
	windows      map[ratelimit.Period]*slidingwindow.Window
	byKind       map[string]int64
	penaltyUntil time.Time
	limits       ratelimit.Limits
}

func newPlatformUsage(limits ratelimit.Limits) *platformUsage {
	return &platformUsage{
		windows: map[ratelimit.Period]*slidingwindow.Window{
			ratelimit.PeriodHour:  slidingwindow.New(60, time.Minute),
			ratelimit.PeriodDay:   slidingwindow.New(24, time.Hour),
			ratelimit.PeriodMonth: slidingwindow.New(30, 24*time.Hour),
		},
		byKind: map[string]int64{},
		limits: limits,
	}
}

// RateLimitMonitor tracks per-platform usage over hour/day/month windows.
// Each platform has its own lock; the map lock is held only for lookup.
type RateLimitMonitor struct {
	mu        sync.RWMutex
	platforms map[string]*platformUsage
	store     ratelimit.SnapshotStore
	warnRatio float64
	now       func() time.Time
}

func NewRateLimitMonitor(limits map[string]ratelimit.Limits, store ratelimit.SnapshotStore, warnRatio float64) *RateLimitMonitor {
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = 0.8
	}
	m := &RateLimitMonitor{
		platforms: make(map[string]*platformUsage),
		store:     store,
		warnRatio: warnRatio,
		now:       time.Now,
	}
	for p, l := range limits {
		m.platforms[p] = newPlatformUsage(l)
	}
	return m
}

func (m *RateLimitMonitor) usage(platform string) *platformUsage {
	m.mu.RLock()
	u, ok := m.platforms[platform]
	m.mu.RUnlock()
	if ok {
		return u
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok = m.platforms[platform]; !ok {
		u = newPlatformUsage(ratelimit.Limits{})
		m.platforms[platform] = u
	}
	return u
}

// SetLimits replaces the thresholds of platform.
func (m *RateLimitMonitor) SetLimits(platform string, limits ratelimit.Limits) {
	u := m.usage(platform)
	u.mu.Lock()
	u.limits = limits
	u.mu.Unlock()
}

// TrackRequest records count requests of kind against every window of platform.
func (m *RateLimitMonitor) TrackRequest(platform, kind string, count int64) {
	if count <= 0 {
		return
	}
	now := m.now()
	u := m.usage(platform)
	u.mu.Lock()
	hour, limit := u.add(now, kind, count)
	u.mu.Unlock()
	reportUsage(platform, hour, limit)
}

// Reserve admits one request of kind when no window of platform is full and
// counts it under the same lock, so concurrent callers cannot overshoot a
// limit. A refused call returns the shortest wait among the full windows.
func (m *RateLimitMonitor) Reserve(platform, kind string) (ratelimit.Reservation, bool, time.Duration) {
	now := m.now()
	u := m.usage(platform)
	u.mu.Lock()
	if throttled, wait := u.throttle(now); throttled {
		u.mu.Unlock()
		return ratelimit.Reservation{}, false, wait
	}
	hour, limit := u.add(now, kind, 1)
	u.mu.Unlock()
	reportUsage(platform, hour, limit)
	return ratelimit.Reservation{Platform: platform, Kind: kind, At: now}, true, 0
}

// Release undoes a reservation. Buckets that already rotated out are left alone.
func (m *RateLimitMonitor) Release(r ratelimit.Reservation) {
	if r.Platform == "" {
		return
	}
	u := m.usage(r.Platform)
	u.mu.Lock()
	for _, w := range u.windows {
		w.Remove(r.At, 1)
	}
	kind := r.Kind
	if kind == "" {
		kind = "request"
	}
	if u.byKind[kind] > 0 {
		u.byKind[kind]--
	}
	hour := u.windows[ratelimit.PeriodHour].Count(m.now())
	limit := u.limits.Hour
	u.mu.Unlock()
	reportUsage(r.Platform, hour, limit)
}

// add must be called with u.mu held. It returns the hourly count and limit.
func (u *platformUsage) add(now time.Time, kind string, count int64) (int64, int64) {
	for _, w := range u.windows {
		w.Add(now, count)
	}
	if kind == "" {
		kind = "request"
	}
	u.byKind[kind] += count
	return u.windows[ratelimit.PeriodHour].Count(now), u.limits.Hour
}

func reportUsage(platform string, hour, limit int64) {
	if limit > 0 {
		metrics.RateLimitUsage.WithLabelValues(platform, string(ratelimit.PeriodHour)).Set(float64(hour) / float64(limit))
	}
}

// Penalize blocks platform until the given time, as told by a Retry-After.
func (m *RateLimitMonitor) Penalize(platform string, until time.Time) {
	u := m.usage(platform)
	u.mu.Lock()
	if until.After(u.penaltyUntil) {
		u.penaltyUntil = until
	}
	u.mu.Unlock()
	logrus.WithFields(logrus.Fields{"platform": platform, "until": until.Format(time.RFC3339)}).Warn("[RATELIMIT] Platform penalized by Retry-After")
}

// ShouldThrottle reports whether any window of platform is at or above its limit
// and returns the shortest wait among the exceeded windows.
func (m *RateLimitMonitor) ShouldThrottle(platform string) (bool, time.Duration) {
	now := m.now()
	u := m.usage(platform)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.throttle(now)
}

func (u *platformUsage) throttle(now time.Time) (bool, time.Duration) {
	var wait time.Duration
	exceeded := false
	consider := func(d time.Duration) {
		if d <= 0 {
			d = time.Second
		}
		if !exceeded || d < wait {
			wait = d
		}
		exceeded = true
	}
	if now.Before(u.penaltyUntil) {
		consider(u.penaltyUntil.Sub(now))
	}
	for _, p := range ratelimit.Periods {
		limit := u.limits.For(p)
		if limit <= 0 {
			continue
		}
		w := u.windows[p]
		if w.Count(now) >= limit {
			consider(w.WaitBelow(now, limit))
		}
	}
	return exceeded, wait
}

func (m *RateLimitMonitor) platformNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.platforms))
	for p := range m.platforms {
		names = append(names, p)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// PlatformStatus is the usage view of one platform.
func (m *RateLimitMonitor) PlatformStatus(platform string) ratelimit.PlatformStatus {
	now := m.now()
	u := m.usage(platform)
	u.mu.Lock()
	defer u.mu.Unlock()

	st := ratelimit.PlatformStatus{
		Platform:       platform,
		ByKind:         make(map[string]int64, len(u.byKind)),
		Recommendation: ratelimit.RecommendOK,
	}
	for k, v := range u.byKind {
		st.ByKind[k] = v
	}
	for _, p := range ratelimit.Periods {
		w := u.windows[p]
		ws := ratelimit.WindowStatus{Period: p, Used: w.Count(now), Limit: u.limits.For(p), ResetIn: w.ResetIn(now)}
		if ws.Limit > 0 {
			ws.Percentage = float64(ws.Used) / float64(ws.Limit) * 100
			if ws.Percentage >= m.warnRatio*100 {
				st.Recommendation = ratelimit.RecommendWarning
			}
		}
		st.Windows = append(st.Windows, ws)
	}
	if now.Before(u.penaltyUntil) {
		t := u.penaltyUntil
		st.PenaltyUntil = &t
	}
	st.Throttled, st.Wait = u.throttle(now)
	if st.Throttled {
		st.Recommendation = ratelimit.RecommendThrottle
	}
	return st
}

// Status returns the usage view of every known platform.
func (m *RateLimitMonitor) Status() []ratelimit.PlatformStatus {
	names := m.platformNames()
	out := make([]ratelimit.PlatformStatus, 0, len(names))
	for _, p := range names {
		out = append(out, m.PlatformStatus(p))
	}
	return out
}

// Snapshot captures the persisted form of platform's windows.
func (m *RateLimitMonitor) Snapshot(platform string) ratelimit.Snapshot {
	now := m.now()
	u := m.usage(platform)
	u.mu.Lock()
	defer u.mu.Unlock()
	snap := ratelimit.Snapshot{
		Platform:     platform,
		Windows:      make(map[ratelimit.Period][]ratelimit.BucketState, len(u.windows)),
		ByKind:       make(map[string]int64, len(u.byKind)),
		PenaltyUntil: u.penaltyUntil,
		SavedAt:      now.UTC(),
	}
	for p, w := range u.windows {
		for _, b := range w.Buckets(now) {
			snap.Windows[p] = append(snap.Windows[p], ratelimit.BucketState{Start: b.Start, Count: b.Count})
		}
	}
	for k, v := range u.byKind {
		snap.ByKind[k] = v
	}
	return snap
}

// Flush persists every platform snapshot.
func (m *RateLimitMonitor) Flush(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	for _, p := range m.platformNames() {
		if err := m.store.SaveRateLimit(ctx, m.Snapshot(p)); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads persisted snapshots. Buckets that left their window are dropped.
func (m *RateLimitMonitor) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snaps, err := m.store.LoadRateLimits(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	for _, snap := range snaps {
		u := m.usage(snap.Platform)
		u.mu.Lock()
		for p, buckets := range snap.Windows {
			w, ok := u.windows[p]
			if !ok {
				continue
			}
			restored := make([]slidingwindow.Bucket, 0, len(buckets))
			for _, b := range buckets {
				restored = append(restored, slidingwindow.Bucket{Start: b.Start, Count: b.Count})
			}
			w.Restore(now, restored)
		}
		for k, v := range snap.ByKind {
			u.byKind[k] = v
		}
		if snap.PenaltyUntil.After(u.penaltyUntil) {
			u.penaltyUntil = snap.PenaltyUntil
		}
		u.mu.Unlock()
	}
	logrus.Infof("[RATELIMIT] Restored %d platform snapshots", len(snaps))
	return nil
}

// Run flushes snapshots every interval until ctx is done, then flushes once more.
func (m *RateLimitMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Flush(flushCtx); err != nil {
				logrus.WithError(err).Warn("[RATELIMIT] Final snapshot flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				logrus.WithError(err).Warn("[RATELIMIT] Snapshot flush failed")
			}
		}
	}
}
