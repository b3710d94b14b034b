package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/performance"
	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/domains/ratelimit"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/infrastructure/metrics"
	"github.com/AzielCF/az-publisher/pkg/workerpool"
	"github.com/sirupsen/logrus"
)

// settleTimeout bounds the store writes that record a dispatch outcome.
const settleTimeout = 5 * time.Second

// JobQueue is the part of the queue manager the worker drives.
type JobQueue interface {
	Dequeue(ctx context.Context, platform, owner string) (*queue.Job, error)
	MarkCompleted(ctx context.Context, jobID, owner string) (*queue.Job, error)
	MarkFailed(ctx context.Context, jobID, owner string, failure recovery.ClassifiedFailure) (queue.Decision, error)
	Defer(ctx context.Context, jobID, owner string, delay time.Duration, reason string) error
}

// DispatchGuard is the circuit-breaker side of the recovery system.
type DispatchGuard interface {
	FailureReporter
	CanDispatch(platform string) recovery.DispatchDecision
	ReleaseProbe(platform string)
	ReportSuccess(ctx context.Context, platform string)
}

// SessionGate answers whether a session may be used for dispatch.
type SessionGate interface {
	Usable(platform, account string) (bool, string)
}

// PlatformSettings tunes the worker pool of one platform.
type PlatformSettings struct {
	Concurrency  int
	Timeout      time.Duration
	SessionBased bool
}

type WorkerOptions struct {
	OwnerPrefix  string
	PollInterval time.Duration
	MaxBackoff   time.Duration
	// DefaultTimeout bounds one adapter call when the platform sets none.
	DefaultTimeout     time.Duration
	DefaultConcurrency int
	// SessionRetryDelay is how long a job waits when its session is unusable.
	SessionRetryDelay time.Duration
	Platforms         map[string]PlatformSettings
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.DefaultConcurrency <= 0 {
		o.DefaultConcurrency = 2
	}
	if o.SessionRetryDelay <= 0 {
		o.SessionRetryDelay = time.Minute
	}
	if o.OwnerPrefix == "" {
		o.OwnerPrefix = "worker"
	}
	return o
}

// DelegationWorker runs one bounded pool per platform that moves jobs from the
// queue through the adapter boundary.
type DelegationWorker struct {
	opts       WorkerOptions
	queue      JobQueue
	adapters   adapter.Registry
	rates      ratelimit.Gate
	sessions   SessionGate
	guard      DispatchGuard
	classifier *Classifier
	perf       performance.Recorder
	now        func() time.Time

	mu    sync.RWMutex
	pools map[string]*workerpool.Pool
}

func NewDelegationWorker(opts WorkerOptions, q JobQueue, adapters adapter.Registry, rates ratelimit.Gate, sessions SessionGate, guard DispatchGuard, classifier *Classifier, perf performance.Recorder) *DelegationWorker {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &DelegationWorker{
		opts:       opts.withDefaults(),
		queue:      q,
		adapters:   adapters,
		rates:      rates,
		sessions:   sessions,
		guard:      guard,
		classifier: classifier,
		perf:       perf,
		now:        time.Now,
		pools:      make(map[string]*workerpool.Pool),
	}
}

func (w *DelegationWorker) settings(platform string) PlatformSettings {
	s := w.opts.Platforms[platform]
	if s.Concurrency <= 0 {
		s.Concurrency = w.opts.DefaultConcurrency
	}
	if s.Timeout <= 0 {
		s.Timeout = w.opts.DefaultTimeout
	}
	return s
}

// Start launches a pool for every registered adapter.
func (w *DelegationWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, platform := range w.adapters.Platforms() {
		if _, ok := w.pools[platform]; ok {
			continue
		}
		platform := platform
		s := w.settings(platform)
		pool := workerpool.New(workerpool.Config{
			Name:         platform,
			Workers:      s.Concurrency,
			OwnerPrefix:  w.opts.OwnerPrefix,
			PollInterval: w.opts.PollInterval,
			MaxBackoff:   w.opts.MaxBackoff,
		}, func(ctx context.Context, owner string) (bool, error) {
			return w.ProcessOne(ctx, platform, owner)
		})
		pool.Start(ctx)
		w.pools[platform] = pool
	}
	logrus.Infof("[WORKER] Delegation workers started for %d platforms", len(w.pools))
}

// Stop waits for in-flight jobs and stops every pool.
func (w *DelegationWorker) Stop() {
	w.mu.Lock()
	pools := w.pools
	w.pools = make(map[string]*workerpool.Pool)
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *workerpool.Pool) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
	logrus.Info("[WORKER] Delegation workers stopped")
}

// Wake nudges an idle worker of platform. Used as the queue wake hook.
func (w *DelegationWorker) Wake(platform string) {
	w.mu.RLock()
	p := w.pools[platform]
	w.mu.RUnlock()
	if p != nil {
		p.Wake()
	}
}

// Stats returns the pool statistics of every platform, sorted by name.
func (w *DelegationWorker) Stats() []workerpool.PoolStats {
	w.mu.RLock()
	out := make([]workerpool.PoolStats, 0, len(w.pools))
	for _, p := range w.pools {
		out = append(out, p.GetStats())
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProcessOne claims and settles at most one job of platform. worked is false
// when the queue was empty.
func (w *DelegationWorker) ProcessOne(ctx context.Context, platform, owner string) (bool, error) {
	job, err := w.queue.Dequeue(ctx, platform, owner)
	if err != nil {
		return false, fmt.Errorf("dequeue %s: %w", platform, err)
	}
	if job == nil {
		return false, nil
	}
	log := logrus.WithFields(logrus.Fields{
		"job":      job.ID,
		"platform": platform,
		"owner":    owner,
		"attempt":  job.Attempts + 1,
	})
	settings := w.settings(platform)

	var slot ratelimit.Reservation
	if w.rates != nil {
		r, ok, wait := w.rates.Reserve(platform, "publish")
		if !ok {
			metrics.DispatchRejected.WithLabelValues(platform, "rate_limit").Inc()
			log.WithField("wait", wait).Debug("[WORKER] Rate limited, deferring job")
			return true, w.deferJob(ctx, job, owner, wait, "rate limit reached")
		}
		slot = r
	}
	unreserve := func() {
		if w.rates != nil {
			w.rates.Release(slot)
		}
	}

	if settings.SessionBased && w.sessions != nil {
		account := job.Account
		if account == "" {
			account = "default"
		}
		if ok, reason := w.sessions.Usable(platform, account); !ok {
			unreserve()
			metrics.DispatchRejected.WithLabelValues(platform, "session").Inc()
			log.WithField("reason", reason).Warn("[WORKER] Session unusable, deferring job")
			if w.guard != nil {
				_, _ = w.guard.ReportFailure(ctx, recovery.Report{
					Platform:  platform,
					Account:   account,
					JobID:     job.ID,
					Failure:   recovery.ClassifiedFailure{Kind: recovery.KindSessionExpired, Message: reason},
					Proactive: true,
					At:        w.now(),
				})
			}
			return true, w.deferJob(ctx, job, owner, w.opts.SessionRetryDelay, reason)
		}
	}

	// The breaker is consulted last so a granted half-open probe is not
	// wasted on a job another gate would have deferred.
	var decision recovery.DispatchDecision
	if w.guard != nil {
		decision = w.guard.CanDispatch(platform)
		if !decision.Allowed {
			unreserve()
			wait := decision.RetryIn
			if wait < time.Second {
				wait = time.Second
			}
			log.WithField("state", decision.State).Debug("[WORKER] Circuit breaker rejected dispatch")
			return true, w.deferJob(ctx, job, owner, wait, "circuit breaker "+string(decision.State))
		}
	}

	ad, ok := w.adapters.Get(platform)
	if !ok {
		unreserve()
		if decision.Probe {
			w.guard.ReleaseProbe(platform)
		}
		return true, w.fail(ctx, job, owner, recovery.ClassifiedFailure{
			Kind:    recovery.KindValidation,
			Message: "no adapter configured for " + platform,
		}, log)
	}

	result := w.dispatch(ctx, ad, job, settings.Timeout)

	// Settling must outlive a shutdown that cancels ctx mid-call.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if !result.Success() && errors.Is(ctx.Err(), context.Canceled) {
		if decision.Probe {
			w.guard.ReleaseProbe(platform)
		}
		log.Info("[WORKER] Dispatch interrupted by shutdown, returning job to the queue")
		return true, w.deferJob(sctx, job, owner, 0, "worker stopped during dispatch")
	}

	if w.perf != nil {
		w.perf.Record(performance.Sample{Platform: platform, Timestamp: w.now(), Latency: result.Latency, Success: result.Success()})
	}
	metrics.PublishDuration.WithLabelValues(platform, string(result.Outcome)).Observe(result.Latency.Seconds())

	if result.Success() {
		if _, err := w.queue.MarkCompleted(sctx, job.ID, owner); err != nil {
			if isSettleConflict(err) {
				log.WithError(err).Warn("[WORKER] Job changed hands before completion")
				return true, nil
			}
			return true, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		if w.guard != nil {
			w.guard.ReportSuccess(sctx, platform)
		}
		log.WithFields(logrus.Fields{"post": result.PlatformPostID, "latency": result.Latency}).Info("[WORKER] Published")
		return true, nil
	}

	failure := w.classifier.ClassifyResult(result)
	if failure.Kind == recovery.KindRateLimit && failure.RetryAfter > 0 && w.rates != nil {
		w.rates.Penalize(platform, w.now().Add(failure.RetryAfter))
	}
	if decision.Probe && !failure.Kind.CountsTowardBreaker() {
		w.guard.ReleaseProbe(platform)
	}
	return true, w.fail(sctx, job, owner, failure, log)
}

func (w *DelegationWorker) dispatch(ctx context.Context, ad adapter.Adapter, job *queue.Job, timeout time.Duration) adapter.Result {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	result := ad.Publish(cctx, adapter.PublishRequest{
		JobID:         job.ID,
		PublicationID: job.PublicationID,
		Platform:      job.Platform,
		Account:       job.Account,
		Topic:         job.Topic,
		ContentRef:    job.PayloadRef,
		Attempt:       job.Attempts + 1,
	})
	if result.Latency <= 0 {
		result.Latency = time.Since(start)
	}
	if !result.Success() && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		result.Outcome = adapter.OutcomeTimeout
		if result.Message == "" {
			result.Message = fmt.Sprintf("adapter call exceeded %s", timeout)
		}
	}
	return result
}

func (w *DelegationWorker) fail(ctx context.Context, job *queue.Job, owner string, failure recovery.ClassifiedFailure, log *logrus.Entry) error {
	decision, err := w.queue.MarkFailed(ctx, job.ID, owner, failure)
	if err != nil {
		if isSettleConflict(err) {
			log.WithError(err).Warn("[WORKER] Job changed hands before failure was recorded")
			return nil
		}
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	log.WithFields(logrus.Fields{"kind": failure.Kind, "decision": decision}).Warn("[WORKER] Publish failed: " + failure.Message)
	return nil
}

func (w *DelegationWorker) deferJob(ctx context.Context, job *queue.Job, owner string, delay time.Duration, reason string) error {
	if err := w.queue.Defer(ctx, job.ID, owner, delay, reason); err != nil {
		if isSettleConflict(err) {
			return nil
		}
		return fmt.Errorf("defer job %s: %w", job.ID, err)
	}
	return nil
}

func isSettleConflict(err error) bool {
	return errors.Is(err, queue.ErrNotOwner) || errors.Is(err, queue.ErrStateConflict) || errors.Is(err, queue.ErrJobNotFound)
}
