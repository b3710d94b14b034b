package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/health"
	"github.com/AzielCF/az-publisher/domains/performance"
	"github.com/AzielCF/az-publisher/domains/recovery"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HealthSources are the collaborators a platform health view aggregates.
// Nil fields are skipped.
type HealthSources struct {
	Recovery    *RecoveryService
	Rates       *RateLimitMonitor
	Sessions    *SessionMonitor
	Performance *PerformanceCollector
	Queue       *QueueManager
}

// HealthService aggregates a per-platform health view.
type HealthService struct {
	adapters adapter.Registry
	src      HealthSources
	interval time.Duration
	window   time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	last map[string]health.PlatformHealth
}

var _ health.IHealthUsecase = (*HealthService)(nil)

func NewHealthService(adapters adapter.Registry, src HealthSources, interval, window time.Duration) *HealthService {
	if interval <= 0 {
		interval = time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	return &HealthService{
		adapters: adapters,
		src:      src,
		interval: interval,
		window:   window,
		now:      time.Now,
		last:     make(map[string]health.PlatformHealth),
	}
}

// CheckPlatform probes the adapter and folds in breaker, queue, rate-limit,
// session and performance state.
func (s *HealthService) CheckPlatform(ctx context.Context, platform string) (health.PlatformHealth, error) {
	ad, ok := s.adapters.Get(platform)
	if !ok {
		return health.PlatformHealth{}, pkgError.NotFoundError(fmt.Sprintf("unknown platform %q", platform))
	}
	record := health.PlatformHealth{
		Platform:    platform,
		Status:      health.StatusOk,
		LastChecked: s.now(),
	}

	report, err := ad.Health(ctx)
	switch {
	case err != nil:
		record.LastMessage = err.Error()
	case !report.Alive:
		record.LastMessage = "adapter reports not alive"
		if report.Message != "" {
			record.LastMessage += ": " + report.Message
		}
	default:
		record.AdapterAlive = true
		record.Capabilities = report.Capabilities
		record.LastMessage = "adapter alive"
	}

	var problems []string
	if r := s.src.Recovery; r != nil {
		record.Breaker = r.Breaker(platform)
		record.ActiveIncidents = r.ActiveIncidents(platform)
		if t, ok := r.LastSuccess(platform); ok {
			record.LastSuccess = &t
		}
		switch record.Breaker.State {
		case recovery.BreakerOpen:
			problems = append(problems, "circuit open")
		case recovery.BreakerHalfOpen:
			problems = append(problems, "circuit half-open")
		}
		if record.ActiveIncidents > 0 {
			problems = append(problems, fmt.Sprintf("%d active incidents", record.ActiveIncidents))
		}
	}
	if r := s.src.Rates; r != nil {
		record.Throttled, _ = r.ShouldThrottle(platform)
		if record.Throttled {
			problems = append(problems, "rate limited")
		}
	}
	if p := s.src.Performance; p != nil {
		record.Performance = p.Summary(platform, s.window)
		if record.Performance.Tier == performance.TierDegraded || record.Performance.Tier == performance.TierCritical {
			problems = append(problems, "performance "+string(record.Performance.Tier))
		}
	}
	if m := s.src.Sessions; m != nil {
		record.Sessions = m.PlatformRecords(platform)
		for _, r := range record.Sessions {
			if ok, _ := m.Usable(platform, r.Account); !ok {
				problems = append(problems, "session "+r.Account+" unusable")
			}
		}
	}
	if q := s.src.Queue; q != nil {
		if counts, err := q.Counts(ctx, platform); err == nil {
			record.Queue = counts
		} else {
			problems = append(problems, "queue store unavailable")
		}
	}

	switch {
	case !record.AdapterAlive || record.Breaker.State == recovery.BreakerOpen:
		record.Status = health.StatusError
	case len(problems) > 0:
		record.Status = health.StatusDegraded
	}
	if len(problems) > 0 {
		record.LastMessage += "; " + strings.Join(problems, ", ")
	}

	s.mu.Lock()
	s.last[platform] = record
	s.mu.Unlock()
	return record, nil
}

// CheckAll checks every registered platform concurrently.
func (s *HealthService) CheckAll(ctx context.Context) ([]health.PlatformHealth, error) {
	platforms := s.adapters.Platforms()
	results := make([]health.PlatformHealth, len(platforms))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range platforms {
		g.Go(func() error {
			res, err := s.CheckPlatform(gctx, p)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Last returns the most recent check of every platform without probing.
func (s *HealthService) Last() []health.PlatformHealth {
	s.mu.RLock()
	out := make([]health.PlatformHealth, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (s *HealthService) StartPeriodicChecks(ctx context.Context) {
	logrus.Infof("[HEALTH] starting periodic platform checks (interval: %s)", s.interval)
	ticker := time.NewTicker(s.interval)

	go func() {
		logrus.Info("[HEALTH] performing initial health check")
		s.logUnhealthy(ctx)
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				s.logUnhealthy(ctx)
			}
		}
	}()
}

func (s *HealthService) logUnhealthy(ctx context.Context) {
	results, err := s.CheckAll(ctx)
	if err != nil {
		logrus.WithError(err).Warn("[HEALTH] periodic check failed")
		return
	}
	for _, r := range results {
		if r.Status != health.StatusOk {
			logrus.WithFields(logrus.Fields{"platform": r.Platform, "status": r.Status}).Warn("[HEALTH] " + r.LastMessage)
		}
	}
}
