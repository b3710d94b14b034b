package rest

import (
	"context"
	"time"

	"github.com/AzielCF/az-publisher/domains/performance"
	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/domains/ratelimit"
	"github.com/AzielCF/az-publisher/domains/session"
	"github.com/AzielCF/az-publisher/pkg/jobmonitor"
	"github.com/AzielCF/az-publisher/pkg/workerpool"
)

// Read-side views the monitoring handlers render. The usecase services
// implement them.

type RateLimitReader interface {
	Status() []ratelimit.PlatformStatus
}

type QueueStatsReader interface {
	Stats(ctx context.Context) (map[string]queue.Counts, error)
}

type WorkerStatsReader interface {
	Stats() []workerpool.PoolStats
}

type EventReader interface {
	GetStats() jobmonitor.Stats
	Filter(platform string, limit int) []queue.Event
}

type PerformanceReader interface {
	Summaries(window time.Duration) []performance.Summary
}

type SessionReader interface {
	Records() []session.Record
}
