package performance

import "time"

// Sample is one observed adapter call.
type Sample struct {
	Platform  string        `json:"platform"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
}

type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierDegraded  Tier = "degraded"
	TierCritical  Tier = "critical"
	TierUnknown   Tier = "unknown"
)

// Summary aggregates the samples of one platform over a trailing window.
type Summary struct {
	Platform    string        `json:"platform"`
	Window      time.Duration `json:"window"`
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	SuccessRate float64       `json:"success_rate"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	Avg         time.Duration `json:"avg"`
	Tier        Tier          `json:"tier"`
}

// Recorder is the write side used by the worker.
type Recorder interface {
	Record(sample Sample)
}
