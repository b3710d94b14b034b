package metrics

import (
	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "azpub"

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Publication jobs accepted into the queue.",
	}, []string{"platform", "priority"})

	JobEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_events_total",
		Help:      "Job lifecycle events by type.",
	}, []string{"platform", "event"})

	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Latency of adapter publish calls.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"platform", "outcome"})

	FailuresClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failures_total",
		Help:      "Classified publish failures.",
	}, []string{"platform", "kind"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per platform (0=closed, 1=open, 2=half-open).",
	}, []string{"platform"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"platform", "from", "to"})

	DispatchRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_rejected_total",
		Help:      "Dispatches deferred by a gate (breaker, rate_limit, session).",
	}, []string{"platform", "gate"})

	RateLimitUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_limit_usage_ratio",
		Help:      "Used fraction of each rate limit window.",
	}, []string{"platform", "period"})

	IncidentsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "incidents_active",
		Help:      "Open or recovering incidents per platform.",
	}, []string{"platform"})

	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_actions_total",
		Help:      "Recovery actions executed.",
	}, []string{"platform", "action", "result"})

	SessionHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_health_score",
		Help:      "Session health score (0-100).",
	}, []string{"platform", "account"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_jobs",
		Help:      "Jobs per platform and state.",
	}, []string{"platform", "state"})
)

// BreakerStateValue maps a breaker state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// JobObserver counts job lifecycle events. It implements queue.Observer.
type JobObserver struct{}

func (JobObserver) OnJobEvent(e queue.Event) {
	JobEvents.WithLabelValues(e.Job.Platform, string(e.Type)).Inc()
	if e.Type == queue.EventEnqueued {
		JobsEnqueued.WithLabelValues(e.Job.Platform, string(e.Job.Priority)).Inc()
	}
}

// ObserveQueue publishes per-state counts for one platform.
func ObserveQueue(platform string, counts queue.Counts) {
	for _, s := range queue.AllStates {
		QueueDepth.WithLabelValues(platform, string(s)).Set(float64(counts[s]))
	}
}
