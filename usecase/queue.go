package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/infrastructure/metrics"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/retry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type QueueOptions struct {
	DefaultMaxAttempts int
	Retry              retry.Policy
	PromoteInterval    time.Duration
	PromoteBatch       int
	// LeaseTimeout is how long a job may stay processing before it is reaped.
	LeaseTimeout time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.Retry.Base <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
	if o.PromoteBatch <= 0 {
		o.PromoteBatch = 100
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Minute
	}
	return o
}

// QueueManager owns job lifecycle transitions on top of a queue.Store.
// The store is the single source of truth; the manager adds retry policy,
// failure reporting and event fan-out.
type QueueManager struct {
	store    queue.Store
	opts     QueueOptions
	reporter FailureReporter
	now      func() time.Time

	mu        sync.RWMutex
	platforms map[string]struct{}
	observers []queue.Observer
	wake      func(platform string)
}

func NewQueueManager(store queue.Store, opts QueueOptions, platforms []string) *QueueManager {
	m := &QueueManager{
		store:     store,
		opts:      opts.withDefaults(),
		now:       time.Now,
		platforms: make(map[string]struct{}, len(platforms)),
	}
	for _, p := range platforms {
		m.platforms[p] = struct{}{}
	}
	return m
}

// SetReporter wires the recovery system that receives one report per failure.
func (m *QueueManager) SetReporter(r FailureReporter) {
	m.mu.Lock()
	m.reporter = r
	m.mu.Unlock()
}

// AddObserver registers a job event observer. Observers must not block.
func (m *QueueManager) AddObserver(o queue.Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// SetWakeFunc registers the hook called when a platform gains ready work.
func (m *QueueManager) SetWakeFunc(fn func(platform string)) {
	m.mu.Lock()
	m.wake = fn
	m.mu.Unlock()
}

// Platforms returns every platform the manager has seen, sorted.
func (m *QueueManager) Platforms() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.platforms))
	for p := range m.platforms {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *QueueManager) emit(t queue.EventType, job *queue.Job, reason string) {
	if job == nil {
		return
	}
	e := queue.Event{Type: t, Job: *job, Reason: reason, Timestamp: m.now().UTC()}
	m.mu.RLock()
	obs := m.observers
	m.mu.RUnlock()
	for _, o := range obs {
		o.OnJobEvent(e)
	}
}

func (m *QueueManager) signal(platform string) {
	m.mu.RLock()
	fn := m.wake
	m.mu.RUnlock()
	if fn != nil {
		fn(platform)
	}
}

// Enqueue stores a new job. It is queued immediately unless ScheduledAt is in
// the future.
func (m *QueueManager) Enqueue(ctx context.Context, job *queue.Job) error {
	if job.Platform == "" {
		return pkgError.ValidationError("job platform is required")
	}
	now := m.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if !job.Priority.Valid() {
		job.Priority = queue.PriorityNormal
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = m.opts.DefaultMaxAttempts
	}
	job.Attempts = 0
	job.Owner = ""
	job.CancelRequested = false
	job.CreatedAt = now
	job.UpdatedAt = now
	if !job.ScheduledAt.IsZero() && job.ScheduledAt.After(now) {
		job.State = queue.StateScheduled
	} else {
		job.State = queue.StateQueued
	}

	if err := m.store.Insert(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	m.mu.Lock()
	m.platforms[job.Platform] = struct{}{}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"job":      job.ID,
		"platform": job.Platform,
		"priority": job.Priority,
		"state":    job.State,
	}).Debug("[QUEUE] Job enqueued")
	m.emit(queue.EventEnqueued, job, "")
	if job.State == queue.StateQueued {
		m.signal(job.Platform)
	}
	return nil
}

// Dequeue claims the next ready job of platform for owner. Returns nil when
// nothing is ready.
func (m *QueueManager) Dequeue(ctx context.Context, platform, owner string) (*queue.Job, error) {
	job, err := m.store.Claim(ctx, platform, owner, m.now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		m.emit(queue.EventClaimed, job, "")
	}
	return job, nil
}

func (m *QueueManager) Get(ctx context.Context, id string) (*queue.Job, error) {
	return m.store.Get(ctx, id)
}

// MarkCompleted settles a successful attempt. A job whose publication was
// cancelled while in flight is settled as failed/cancelled instead.
func (m *QueueManager) MarkCompleted(ctx context.Context, jobID, owner string) (*queue.Job, error) {
	job, err := m.store.Apply(ctx, jobID, queue.Transition{
		From:          []queue.State{queue.StateProcessing},
		To:            queue.StateCompleted,
		ExpectedOwner: owner,
		Now:           m.now(),
		ClearError:    true,
		HonorCancel:   true,
	})
	if err != nil {
		return nil, err
	}
	if job.State == queue.StateFailed {
		m.emit(queue.EventCancelled, job, "result discarded")
		return job, nil
	}
	m.emit(queue.EventCompleted, job, "")
	return job, nil
}

// MarkFailed settles a failed attempt: the job is rescheduled with backoff or
// dead-lettered, and exactly one report reaches the recovery system.
func (m *QueueManager) MarkFailed(ctx context.Context, jobID, owner string, failure recovery.ClassifiedFailure) (queue.Decision, error) {
	current, err := m.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if current.State != queue.StateProcessing {
		return "", fmt.Errorf("job %s is %s: %w", jobID, current.State, queue.ErrStateConflict)
	}
	if owner != "" && current.Owner != owner {
		return "", queue.ErrNotOwner
	}
	if failure.Kind == "" {
		failure.Kind = recovery.KindUnknown
	}

	attempts := current.Attempts + 1
	decision := queue.DecisionRetry
	switch {
	case !failure.Kind.Retryable():
		decision = queue.DecisionDeadLetter
	case attempts >= current.MaxAttempts:
		decision = queue.DecisionDeadLetter
	case failure.Kind.RetriesOnce() && recovery.FailureKind(current.LastErrorKind).RetriesOnce():
		decision = queue.DecisionDeadLetter
	}

	now := m.now()
	t := queue.Transition{
		From:              []queue.State{queue.StateProcessing},
		ExpectedOwner:     owner,
		Now:               now,
		IncrementAttempts: true,
		LastError:         failure.Message,
		LastErrorKind:     string(failure.Kind),
		HonorCancel:       true,
	}
	if decision == queue.DecisionRetry {
		t.To = queue.StateScheduled
		t.RunAt = now.Add(m.opts.Retry.Delay(attempts, failure.RetryAfter))
	} else {
		t.To = queue.StateFailed
	}
	job, err := m.store.Apply(ctx, jobID, t)
	if err != nil {
		return "", err
	}
	if job.LastErrorKind == queue.ErrorKindCancelled {
		decision = queue.DecisionDeadLetter
	}

	log := logrus.WithFields(logrus.Fields{
		"job":      job.ID,
		"platform": job.Platform,
		"kind":     failure.Kind,
		"attempts": job.Attempts,
	})
	switch {
	case job.LastErrorKind == queue.ErrorKindCancelled:
		log.Info("[QUEUE] Failed attempt settled as cancelled")
		m.emit(queue.EventCancelled, job, failure.Message)
	case decision == queue.DecisionRetry:
		log.WithField("run_at", job.ScheduledAt).Warn("[QUEUE] Job scheduled for retry")
		m.emit(queue.EventRetrying, job, failure.Message)
	default:
		log.Error("[QUEUE] Job dead-lettered")
		m.emit(queue.EventDeadLettered, job, failure.Message)
	}

	m.mu.RLock()
	reporter := m.reporter
	m.mu.RUnlock()
	if reporter != nil {
		_, rerr := reporter.ReportFailure(ctx, recovery.Report{
			Platform:      job.Platform,
			Account:       job.Account,
			JobID:         job.ID,
			PublicationID: job.PublicationID,
			Failure:       failure,
			Decision:      string(decision),
			Attempts:      job.Attempts,
			At:            now,
		})
		if rerr != nil {
			log.WithError(rerr).Warn("[QUEUE] Failed to report failure to recovery")
		}
	}
	return decision, nil
}

// Defer returns a processing job to the schedule without consuming an attempt.
func (m *QueueManager) Defer(ctx context.Context, jobID, owner string, delay time.Duration, reason string) error {
	if delay < 0 {
		delay = 0
	}
	now := m.now()
	job, err := m.store.Apply(ctx, jobID, queue.Transition{
		From:          []queue.State{queue.StateProcessing},
		To:            queue.StateScheduled,
		ExpectedOwner: owner,
		RunAt:         now.Add(delay),
		Now:           now,
		HonorCancel:   true,
	})
	if err != nil {
		return err
	}
	if job.State == queue.StateFailed {
		m.emit(queue.EventCancelled, job, reason)
		return nil
	}
	m.emit(queue.EventDeferred, job, reason)
	return nil
}

// Cancel stops a job. Queued and scheduled jobs fail immediately with kind
// cancelled; a processing job is flagged and settled when its worker reports.
// Returns false for jobs already terminal.
func (m *QueueManager) Cancel(ctx context.Context, jobID string) (bool, error) {
	for i := 0; i < 3; i++ {
		job, err := m.store.Get(ctx, jobID)
		if err != nil {
			return false, err
		}
		switch job.State {
		case queue.StateCompleted, queue.StateFailed:
			return false, nil
		case queue.StateProcessing:
			ok, err := m.store.RequestCancel(ctx, jobID)
			if err != nil {
				return false, err
			}
			if ok {
				m.emit(queue.EventCancelled, job, "cancel requested while processing")
				return true, nil
			}
		default:
			settled, err := m.store.Apply(ctx, jobID, queue.Transition{
				From:          []queue.State{queue.StateQueued, queue.StateScheduled},
				To:            queue.StateFailed,
				Now:           m.now(),
				LastError:     "publication cancelled",
				LastErrorKind: queue.ErrorKindCancelled,
			})
			if err == nil {
				m.emit(queue.EventCancelled, settled, "")
				return true, nil
			}
			if !errors.Is(err, queue.ErrStateConflict) {
				return false, err
			}
		}
		// the job moved under us; look again
	}
	return false, fmt.Errorf("job %s kept changing state: %w", jobID, queue.ErrStateConflict)
}

// RetryFailed puts a dead-lettered job back in the ready queue with a fresh
// attempt budget.
func (m *QueueManager) RetryFailed(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := m.store.Apply(ctx, jobID, queue.Transition{
		From:          []queue.State{queue.StateFailed},
		To:            queue.StateQueued,
		Now:           m.now(),
		ResetAttempts: true,
		ClearError:    true,
	})
	if err != nil {
		return nil, err
	}
	m.emit(queue.EventEnqueued, job, "manual retry")
	m.signal(job.Platform)
	return job, nil
}

// Reschedule moves a waiting job to a new run time. A time not in the future
// makes it ready now.
func (m *QueueManager) Reschedule(ctx context.Context, jobID string, at time.Time) (*queue.Job, error) {
	now := m.now()
	t := queue.Transition{
		From: []queue.State{queue.StateQueued, queue.StateScheduled},
		To:   queue.StateScheduled,
		Now:  now,
	}
	if at.After(now) {
		t.RunAt = at
	} else {
		t.To = queue.StateQueued
	}
	job, err := m.store.Apply(ctx, jobID, t)
	if err != nil {
		return nil, err
	}
	if job.State == queue.StateQueued {
		m.signal(job.Platform)
	}
	m.emit(queue.EventDeferred, job, "rescheduled")
	return job, nil
}

// PromoteDue moves due scheduled jobs of every platform into their ready queues.
func (m *QueueManager) PromoteDue(ctx context.Context) (int, error) {
	now := m.now()
	total := 0
	for _, p := range m.Platforms() {
		n, err := m.store.PromoteDue(ctx, p, now, m.opts.PromoteBatch)
		if err != nil {
			return total, err
		}
		if n > 0 {
			total += n
			metrics.JobEvents.WithLabelValues(p, string(queue.EventPromoted)).Add(float64(n))
			logrus.WithField("platform", p).Debugf("[QUEUE] Promoted %d scheduled jobs", n)
			m.signal(p)
		}
	}
	return total, nil
}

// ReapStale settles jobs whose processing lease expired as a failed attempt.
func (m *QueueManager) ReapStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.opts.LeaseTimeout)
	reaped := 0
	for _, p := range m.Platforms() {
		ids, err := m.store.StaleProcessing(ctx, p, cutoff)
		if err != nil {
			return reaped, err
		}
		for _, id := range ids {
			job, err := m.store.Get(ctx, id)
			if err != nil {
				continue
			}
			_, err = m.MarkFailed(ctx, id, job.Owner, recovery.ClassifiedFailure{
				Kind:    recovery.KindConnectionTimeout,
				Message: fmt.Sprintf("processing lease expired (owner %s)", job.Owner),
			})
			if err != nil {
				if errors.Is(err, queue.ErrStateConflict) || errors.Is(err, queue.ErrNotOwner) {
					continue
				}
				return reaped, err
			}
			logrus.WithFields(logrus.Fields{"job": id, "platform": p, "owner": job.Owner}).Warn("[QUEUE] Reaped stale job")
			reaped++
		}
	}
	return reaped, nil
}

// Stats returns per-platform, per-state counts.
func (m *QueueManager) Stats(ctx context.Context) (map[string]queue.Counts, error) {
	out := make(map[string]queue.Counts)
	for _, p := range m.Platforms() {
		c, err := m.Counts(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = c
	}
	return out, nil
}

// Counts returns the job counts of one platform.
func (m *QueueManager) Counts(ctx context.Context, platform string) (queue.Counts, error) {
	c, err := m.store.Counts(ctx, platform)
	if err != nil {
		return nil, err
	}
	metrics.ObserveQueue(platform, c)
	return c, nil
}

// NextScheduled returns the earliest scheduled run time of platform.
func (m *QueueManager) NextScheduled(ctx context.Context, platform string) (time.Time, error) {
	return m.store.NextScheduled(ctx, platform)
}

// Run promotes due jobs every PromoteInterval and reaps stale leases until
// ctx is done.
func (m *QueueManager) Run(ctx context.Context) {
	promote := time.NewTicker(m.opts.PromoteInterval)
	defer promote.Stop()
	reapEvery := m.opts.LeaseTimeout / 4
	if reapEvery < m.opts.PromoteInterval {
		reapEvery = m.opts.PromoteInterval
	}
	reap := time.NewTicker(reapEvery)
	defer reap.Stop()

	logrus.Infof("[QUEUE] Scheduler started (promote every %s, lease %s)", m.opts.PromoteInterval, m.opts.LeaseTimeout)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("[QUEUE] Scheduler stopped")
			return
		case <-promote.C:
			if _, err := m.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("[QUEUE] Promotion failed")
			}
		case <-reap.C:
			if _, err := m.ReapStale(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("[QUEUE] Reaper failed")
			}
		}
	}
}
