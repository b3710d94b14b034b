package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/infrastructure/metrics"
	"github.com/AzielCF/az-publisher/pkg/breaker"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/retry"
	"github.com/dustin/go-humanize"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultCatalog maps each failure kind to its ordered recovery actions.
func DefaultCatalog() map[recovery.FailureKind][]recovery.Action {
	return map[recovery.FailureKind][]recovery.Action{
		recovery.KindConnectionTimeout: {recovery.ActionRetryWithBackoff, recovery.ActionProbeHealth, recovery.ActionEscalate},
		recovery.KindNetworkError:      {recovery.ActionRetryWithBackoff, recovery.ActionProbeHealth, recovery.ActionEscalate},
		recovery.KindServerError:       {recovery.ActionProbeHealth, recovery.ActionRetryWithBackoff, recovery.ActionEscalate},
		recovery.KindAuthentication:    {recovery.ActionRefreshSession, recovery.ActionProbeHealth, recovery.ActionEscalate},
		recovery.KindSessionExpired:    {recovery.ActionRefreshSession, recovery.ActionProbeHealth, recovery.ActionEscalate},
		recovery.KindRateLimit:         {recovery.ActionWaitForRateLimit, recovery.ActionProbeHealth, recovery.ActionEscalate},
		recovery.KindValidation:        {recovery.ActionEscalate},
		recovery.KindUnknown:           {recovery.ActionRetryWithBackoff, recovery.ActionProbeHealth, recovery.ActionEscalate},
	}
}

// SessionRefresher renews browser sessions.
type SessionRefresher interface {
	Refresh(ctx context.Context, platform, account string) error
}

// ThrottleChecker answers whether a platform is currently over its limits.
type ThrottleChecker interface {
	ShouldThrottle(platform string) (bool, time.Duration)
}

type RecoveryOptions struct {
	Breaker        breaker.Config
	Interval       time.Duration // run loop tick
	MaxActionTries int           // tries per action before moving to the next one
	MaxAttempts    int           // action executions per incident before giving up
	ActionBackoff  retry.Policy  // delay between failed tries
	ProbeRetries   int
	ProbeBackoff   time.Duration
	ProbeTimeout   time.Duration // per health call
}

func (o RecoveryOptions) withDefaults() RecoveryOptions {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.MaxActionTries <= 0 {
		o.MaxActionTries = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.ActionBackoff.Base <= 0 {
		o.ActionBackoff = retry.Policy{Base: 15 * time.Second, Max: 5 * time.Minute, Multiplier: 2}
	}
	if o.ProbeRetries < 0 {
		o.ProbeRetries = 0
	}
	if o.ProbeBackoff <= 0 {
		o.ProbeBackoff = 500 * time.Millisecond
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	return o
}

// RecoveryService owns the per-platform circuit breakers and the incident
// registry, and drives recovery procedures for active incidents.
type RecoveryService struct {
	opts      RecoveryOptions
	adapters  adapter.Registry
	sessions  SessionRefresher
	throttles ThrottleChecker
	incidents recovery.IncidentStore
	state     recovery.StateStore
	notifier  recovery.Notifier
	now       func() time.Time

	catalogMu sync.RWMutex
	catalog   map[recovery.FailureKind][]recovery.Action

	bmu         sync.Mutex
	breakers    map[string]*breaker.Breaker
	lastSuccess map[string]time.Time

	// imu guards active and stepping. A report and a recovery step for the
	// same incident serialise on it.
	imu      sync.Mutex
	active   map[string]*recovery.Incident // key: platform|kind
	stepping map[string]bool               // incident id -> step in progress
}

var _ recovery.IRecoveryUsecase = (*RecoveryService)(nil)

func NewRecoveryService(opts RecoveryOptions, adapters adapter.Registry, incidents recovery.IncidentStore, state recovery.StateStore, notifier recovery.Notifier) *RecoveryService {
	return &RecoveryService{
		opts:        opts.withDefaults(),
		adapters:    adapters,
		incidents:   incidents,
		state:       state,
		notifier:    notifier,
		now:         time.Now,
		catalog:     DefaultCatalog(),
		breakers:    make(map[string]*breaker.Breaker),
		lastSuccess: make(map[string]time.Time),
		active:      make(map[string]*recovery.Incident),
		stepping:    make(map[string]bool),
	}
}

// SetSessionRefresher wires the session monitor used by refresh_session.
func (s *RecoveryService) SetSessionRefresher(r SessionRefresher) { s.sessions = r }

// SetThrottleChecker wires the rate-limit monitor used by wait_for_rate_limit.
func (s *RecoveryService) SetThrottleChecker(t ThrottleChecker) { s.throttles = t }

// SetCatalog replaces the action list of one failure kind.
func (s *RecoveryService) SetCatalog(kind recovery.FailureKind, actions []recovery.Action) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	s.catalog[kind] = append([]recovery.Action(nil), actions...)
}

func (s *RecoveryService) actionsFor(kind recovery.FailureKind) []recovery.Action {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	if a, ok := s.catalog[kind]; ok {
		return a
	}
	return s.catalog[recovery.KindUnknown]
}

// --- Circuit breakers ---

func (s *RecoveryService) breakerFor(platform string) *breaker.Breaker {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	b, ok := s.breakers[platform]
	if !ok {
		b = breaker.New(platform, s.opts.Breaker,
			breaker.WithClock(s.now),
			breaker.WithOnStateChange(s.onBreakerChange))
		s.breakers[platform] = b
	}
	return b
}

func (s *RecoveryService) onBreakerChange(platform string, from, to breaker.State) {
	logrus.WithFields(logrus.Fields{
		"platform": platform,
		"from":     from.String(),
		"to":       to.String(),
	}).Warn("[RECOVERY] Circuit breaker state change")
	metrics.BreakerState.WithLabelValues(platform).Set(metrics.BreakerStateValue(to.String()))
	metrics.BreakerTransitions.WithLabelValues(platform, from.String(), to.String()).Inc()
	s.persistBreaker(platform)
}

func (s *RecoveryService) persistBreaker(platform string) {
	if s.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.state.SaveBreaker(ctx, s.breakerSnapshot(platform)); err != nil {
		logrus.WithError(err).WithField("platform", platform).Warn("[RECOVERY] Failed to persist breaker state")
	}
}

func (s *RecoveryService) breakerSnapshot(platform string) recovery.BreakerSnapshot {
	snap := s.breakerFor(platform).Snapshot()
	return recovery.BreakerSnapshot{
		Platform:            platform,
		State:               recovery.BreakerState(snap.State.String()),
		OpenedAt:            snap.OpenedAt,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		Cooldown:            snap.Cooldown,
		Level:               snap.Level,
		LastTransition:      snap.LastTransition,
	}
}

// Breaker returns the visible state of platform's breaker.
func (s *RecoveryService) Breaker(platform string) recovery.BreakerSnapshot {
	return s.breakerSnapshot(platform)
}

// CanDispatch consults the breaker. In half-open only one caller gets Probe=true
// until the probe settles or times out.
func (s *RecoveryService) CanDispatch(platform string) recovery.DispatchDecision {
	d := s.breakerFor(platform).Allow()
	if !d.Allowed {
		metrics.DispatchRejected.WithLabelValues(platform, "breaker").Inc()
	}
	return recovery.DispatchDecision{
		Allowed: d.Allowed,
		State:   recovery.BreakerState(d.State.String()),
		RetryIn: d.RetryIn,
		Probe:   d.Probe,
	}
}

// ReleaseProbe frees a half-open probe slot that was granted but not used.
func (s *RecoveryService) ReleaseProbe(platform string) {
	s.breakerFor(platform).ReleaseProbe()
}

// LastSuccess is the time of the last successful publish on platform.
func (s *RecoveryService) LastSuccess(platform string) (time.Time, bool) {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	t, ok := s.lastSuccess[platform]
	return t, ok
}

// --- Reports ---

func incidentSlot(platform string, kind recovery.FailureKind) string {
	return platform + "|" + string(kind)
}

// ReportFailure feeds the breaker and opens or updates the incident for
// (platform, kind). Proactive reports do not count toward the breaker.
func (s *RecoveryService) ReportFailure(ctx context.Context, report recovery.Report) (*recovery.Incident, error) {
	kind := report.Failure.Kind
	if kind == "" {
		kind = recovery.KindUnknown
	}
	if !report.Proactive && kind.CountsTowardBreaker() {
		s.breakerFor(report.Platform).RecordFailure()
	}
	metrics.FailuresClassified.WithLabelValues(report.Platform, string(kind)).Inc()

	at := report.At
	if at.IsZero() {
		at = s.now()
	}

	s.imu.Lock()
	slot := incidentSlot(report.Platform, kind)
	inc, ok := s.active[slot]
	if ok {
		inc.Occurrences++
		inc.LastSeen = at
		inc.LastMessage = report.Failure.Message
		if report.JobID != "" {
			inc.LastJobID = report.JobID
		}
		if inc.Account == "" {
			inc.Account = report.Account
		}
		inc.Proactive = inc.Proactive && report.Proactive
	} else {
		actions := s.actionsFor(kind)
		inc = &recovery.Incident{
			ID:          uuid.NewString(),
			Platform:    report.Platform,
			Account:     report.Account,
			Kind:        kind,
			Status:      recovery.IncidentOpen,
			FirstSeen:   at,
			LastSeen:    at,
			Occurrences: 1,
			LastMessage: report.Failure.Message,
			LastJobID:   report.JobID,
			Proactive:   report.Proactive,
			NextCheckAt: at,
		}
		if len(actions) > 0 {
			inc.CurrentAction = actions[0]
			if actions[0] == recovery.ActionRetryWithBackoff {
				inc.NextCheckAt = at.Add(s.opts.ActionBackoff.Delay(1, report.Failure.RetryAfter))
			}
		}
		s.active[slot] = inc
		logrus.WithFields(logrus.Fields{
			"platform": report.Platform,
			"kind":     kind,
			"incident": inc.ID,
			"action":   inc.CurrentAction,
		}).Warn("[RECOVERY] Incident opened")
	}
	if report.Decision == "dead_letter" {
		inc.DeadLettered++
	}
	out := inc.Clone()
	err := s.save(ctx, out)
	s.refreshActiveGauge(report.Platform)
	s.imu.Unlock()
	return out, err
}

// ReportSuccess closes the breaker path and resolves platform-wide incidents.
// Session and authentication incidents stay open: a success on one account
// says nothing about another.
func (s *RecoveryService) ReportSuccess(ctx context.Context, platform string) {
	s.breakerFor(platform).RecordSuccess()
	now := s.now()
	s.bmu.Lock()
	s.lastSuccess[platform] = now
	s.bmu.Unlock()

	s.imu.Lock()
	var resolved []*recovery.Incident
	for slot, inc := range s.active {
		if inc.Platform != platform || inc.Kind == recovery.KindSessionExpired || inc.Kind == recovery.KindAuthentication {
			continue
		}
		if s.stepping[inc.ID] {
			continue
		}
		s.resolveLocked(inc, now, "platform accepted a publish")
		delete(s.active, slot)
		resolved = append(resolved, inc.Clone())
	}
	if len(resolved) > 0 {
		s.refreshActiveGauge(platform)
	}
	s.imu.Unlock()

	for _, inc := range resolved {
		if err := s.save(ctx, inc); err != nil {
			logrus.WithError(err).Warn("[RECOVERY] Failed to save resolved incident")
		}
	}
}

func (s *RecoveryService) resolveLocked(inc *recovery.Incident, now time.Time, detail string) {
	inc.Status = recovery.IncidentResolved
	inc.ResolvedAt = &now
	inc.CurrentAction = ""
	inc.NextCheckAt = time.Time{}
	inc.History = append(inc.History, recovery.ActionOutcome{Action: "resolve", Success: true, Detail: detail, Timestamp: now})
	logrus.WithFields(logrus.Fields{"platform": inc.Platform, "kind": inc.Kind, "incident": inc.ID}).Info("[RECOVERY] Incident resolved: " + detail)
}

func (s *RecoveryService) save(ctx context.Context, inc *recovery.Incident) error {
	if s.incidents == nil {
		return nil
	}
	if err := s.incidents.Save(ctx, inc); err != nil {
		return fmt.Errorf("failed to save incident %s: %w", inc.ID, err)
	}
	return nil
}

// refreshActiveGauge must be called with imu held.
func (s *RecoveryService) refreshActiveGauge(platform string) {
	n := 0
	for _, inc := range s.active {
		if inc.Platform == platform {
			n++
		}
	}
	metrics.IncidentsActive.WithLabelValues(platform).Set(float64(n))
}

// --- Recovery loop ---

// Run executes due incident steps every interval until ctx is done.
func (s *RecoveryService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	logrus.Infof("[RECOVERY] Recovery loop started (interval %s)", s.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("[RECOVERY] Recovery loop stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one step for every due incident. Platforms run in
// parallel; incidents of one platform run in order. Returns the number of steps.
func (s *RecoveryService) RunOnce(ctx context.Context) int {
	now := s.now()
	byPlatform := map[string][]string{}
	s.imu.Lock()
	for _, inc := range s.active {
		if s.stepping[inc.ID] || inc.NextCheckAt.After(now) {
			continue
		}
		byPlatform[inc.Platform] = append(byPlatform[inc.Platform], incidentSlot(inc.Platform, inc.Kind))
	}
	s.imu.Unlock()

	var mu sync.Mutex
	steps := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, slots := range byPlatform {
		sort.Strings(slots)
		g.Go(func() error {
			for _, slot := range slots {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if s.step(gctx, slot) {
					mu.Lock()
					steps++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Warn("[RECOVERY] Recovery pass interrupted")
	}
	return steps
}

type actionResult struct {
	ok bool
	// wait re-schedules the same action without consuming a try
	wait     time.Duration
	giveUp   bool // skip the remaining tries of this action
	escalate bool
	detail   string
}

// step runs the current action of the incident in slot. Returns false when
// the incident vanished or another goroutine is stepping it.
func (s *RecoveryService) step(ctx context.Context, slot string) bool {
	s.imu.Lock()
	inc, ok := s.active[slot]
	if !ok || s.stepping[inc.ID] {
		s.imu.Unlock()
		return false
	}
	s.stepping[inc.ID] = true
	id, platform, account, kind := inc.ID, inc.Platform, inc.Account, inc.Kind
	actions := s.actionsFor(kind)
	idx := inc.ActionIndex
	if inc.Status == recovery.IncidentOpen {
		inc.Status = recovery.IncidentRecovering
	}
	s.imu.Unlock()

	var action recovery.Action
	var res actionResult
	if idx >= len(actions) {
		action = recovery.ActionEscalate
		res = actionResult{escalate: true, detail: "recovery actions exhausted"}
	} else {
		action = actions[idx]
		res = s.execute(ctx, action, platform, account)
	}
	now := s.now()

	s.imu.Lock()
	defer s.imu.Unlock()
	delete(s.stepping, id)
	inc, ok = s.active[slot]
	if !ok || inc.ID != id {
		return true
	}

	var notify *recovery.Incident
	switch {
	case res.escalate:
		inc.History = append(inc.History, recovery.ActionOutcome{Action: action, Success: true, Detail: res.detail, Timestamp: now})
		s.failLocked(inc, now)
		delete(s.active, slot)
		notify = inc.Clone()
		metrics.RecoveryActions.WithLabelValues(platform, string(action), "escalated").Inc()
	case res.ok:
		inc.Attempts++
		inc.History = append(inc.History, recovery.ActionOutcome{Action: action, Success: true, Detail: res.detail, Timestamp: now})
		s.resolveLocked(inc, now, fmt.Sprintf("%s verified", action))
		delete(s.active, slot)
		metrics.RecoveryActions.WithLabelValues(platform, string(action), "success").Inc()
	case res.wait > 0:
		inc.NextCheckAt = now.Add(res.wait)
		inc.CurrentAction = action
		metrics.RecoveryActions.WithLabelValues(platform, string(action), "waiting").Inc()
	default:
		inc.Attempts++
		inc.ActionTries++
		inc.History = append(inc.History, recovery.ActionOutcome{Action: action, Success: false, Detail: res.detail, Timestamp: now})
		metrics.RecoveryActions.WithLabelValues(platform, string(action), "failure").Inc()
		if res.giveUp || inc.ActionTries >= s.opts.MaxActionTries {
			inc.ActionIndex++
			inc.ActionTries = 0
		}
		if inc.Attempts >= s.opts.MaxAttempts {
			inc.History = append(inc.History, recovery.ActionOutcome{Action: recovery.ActionEscalate, Success: true, Detail: "attempt ceiling reached", Timestamp: now})
			s.failLocked(inc, now)
			delete(s.active, slot)
			notify = inc.Clone()
			break
		}
		if inc.ActionIndex < len(actions) {
			inc.CurrentAction = actions[inc.ActionIndex]
		} else {
			inc.CurrentAction = recovery.ActionEscalate
		}
		if inc.ActionTries == 0 {
			inc.NextCheckAt = now
		} else {
			inc.NextCheckAt = now.Add(s.opts.ActionBackoff.Delay(inc.ActionTries, 0))
		}
	}
	s.refreshActiveGauge(platform)

	out := inc.Clone()
	if err := s.save(ctx, out); err != nil {
		logrus.WithError(err).Warn("[RECOVERY] Failed to save incident")
	}
	if notify != nil && s.notifier != nil {
		go func(inc *recovery.Incident) {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.notifier.NotifyIncident(nctx, inc); err != nil {
				logrus.WithError(err).Warn("[RECOVERY] Failed to notify incident")
			}
		}(notify)
	}
	return true
}

func (s *RecoveryService) failLocked(inc *recovery.Incident, now time.Time) {
	inc.Status = recovery.IncidentFailed
	inc.CurrentAction = ""
	inc.NextCheckAt = time.Time{}
	logrus.WithFields(logrus.Fields{
		"platform": inc.Platform,
		"kind":     inc.Kind,
		"incident": inc.ID,
		"attempts": inc.Attempts,
	}).Error("[RECOVERY] Incident needs manual intervention")
}

func (s *RecoveryService) execute(ctx context.Context, action recovery.Action, platform, account string) actionResult {
	switch action {
	case recovery.ActionRetryWithBackoff, recovery.ActionProbeHealth:
		report, err := s.probe(ctx, platform)
		if err != nil {
			return actionResult{detail: err.Error()}
		}
		return actionResult{ok: true, detail: fmt.Sprintf("adapter alive (%s)", report.Latency)}
	case recovery.ActionRefreshSession:
		if s.sessions == nil {
			return actionResult{giveUp: true, detail: "no session monitor"}
		}
		if account == "" {
			account = "default"
		}
		if err := s.sessions.Refresh(ctx, platform, account); err != nil {
			return actionResult{giveUp: errors.Is(err, adapter.ErrRefreshUnsupported), detail: err.Error()}
		}
		if _, err := s.probe(ctx, platform); err != nil {
			return actionResult{detail: "refreshed but probe failed: " + err.Error()}
		}
		return actionResult{ok: true, detail: "session refreshed"}
	case recovery.ActionWaitForRateLimit:
		if s.throttles != nil {
			if throttled, wait := s.throttles.ShouldThrottle(platform); throttled {
				return actionResult{wait: wait, detail: "waiting " + wait.String()}
			}
		}
		if _, err := s.probe(ctx, platform); err != nil {
			return actionResult{detail: err.Error()}
		}
		return actionResult{ok: true, detail: "rate limit window reopened"}
	case recovery.ActionEscalate:
		return actionResult{escalate: true, detail: "escalated for manual intervention"}
	}
	return actionResult{giveUp: true, detail: "unknown action " + string(action)}
}

// probe checks adapter liveness, retrying with backoff.
func (s *RecoveryService) probe(ctx context.Context, platform string) (adapter.HealthReport, error) {
	ad, ok := s.adapters.Get(platform)
	if !ok {
		return adapter.HealthReport{}, fmt.Errorf("no adapter for platform %s", platform)
	}
	policy := retrypolicy.NewBuilder[adapter.HealthReport]().
		HandleIf(func(r adapter.HealthReport, err error) bool { return err != nil || !r.Alive }).
		WithMaxRetries(s.opts.ProbeRetries).
		WithBackoff(s.opts.ProbeBackoff, 10*s.opts.ProbeBackoff).
		ReturnLastFailure().
		Build()
	report, err := failsafe.With[adapter.HealthReport](policy).WithContext(ctx).Get(func() (adapter.HealthReport, error) {
		cctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		defer cancel()
		return ad.Health(cctx)
	})
	if err != nil {
		return report, err
	}
	if !report.Alive {
		msg := report.Message
		if msg == "" {
			msg = "adapter reports not alive"
		}
		return report, errors.New(msg)
	}
	return report, nil
}

// --- Views ---

// Incidents lists stored incidents, newest first.
func (s *RecoveryService) Incidents(ctx context.Context, filter recovery.IncidentFilter) ([]*recovery.Incident, error) {
	if s.incidents == nil {
		return nil, nil
	}
	return s.incidents.List(ctx, filter)
}

// ActiveIncidents counts open or recovering incidents of platform.
func (s *RecoveryService) ActiveIncidents(platform string) int {
	s.imu.Lock()
	defer s.imu.Unlock()
	n := 0
	for _, inc := range s.active {
		if inc.Platform == platform {
			n++
		}
	}
	return n
}

func (s *RecoveryService) knownPlatforms() []string {
	set := map[string]bool{}
	if s.adapters != nil {
		for _, p := range s.adapters.Platforms() {
			set[p] = true
		}
	}
	s.bmu.Lock()
	for p := range s.breakers {
		set[p] = true
	}
	s.bmu.Unlock()
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *RecoveryService) Status(ctx context.Context) recovery.Status {
	st := recovery.Status{Kinds: recovery.AllKinds, Catalog: map[recovery.FailureKind][]recovery.Action{}}
	s.catalogMu.RLock()
	for k, v := range s.catalog {
		st.Catalog[k] = append([]recovery.Action(nil), v...)
	}
	s.catalogMu.RUnlock()
	now := s.now()
	for _, p := range s.knownPlatforms() {
		ps := recovery.PlatformStatus{Platform: p, Breaker: s.breakerSnapshot(p), ActiveIncidents: s.ActiveIncidents(p)}
		if ps.Breaker.State != recovery.BreakerClosed && !ps.Breaker.OpenedAt.IsZero() {
			ps.OpenedFor = strings.TrimSpace(humanize.RelTime(ps.Breaker.OpenedAt, now, "", ""))
		}
		st.Platforms = append(st.Platforms, ps)
	}
	return st
}

// --- Manual overrides ---

func (s *RecoveryService) Trigger(ctx context.Context, req recovery.TriggerRequest) (recovery.TriggerResult, error) {
	res := recovery.TriggerResult{Action: req.Action, Platform: req.Platform}
	if _, ok := s.adapters.Get(req.Platform); !ok {
		return res, pkgError.ValidationError(fmt.Sprintf("unknown platform %q", req.Platform))
	}
	log := logrus.WithFields(logrus.Fields{"platform": req.Platform, "action": req.Action})

	switch req.Action {
	case recovery.TriggerResetBreaker:
		s.breakerFor(req.Platform).Reset()
		res.Success, res.Detail = true, "breaker closed"
	case recovery.TriggerForceOpen:
		s.breakerFor(req.Platform).ForceOpen(0)
		res.Success, res.Detail = true, "breaker forced open"
	case recovery.TriggerProbe:
		report, err := s.probe(ctx, req.Platform)
		if err != nil {
			res.Detail = err.Error()
		} else {
			res.Success, res.Detail = true, fmt.Sprintf("adapter alive (%s)", report.Latency)
		}
	case recovery.TriggerRefreshSession:
		if s.sessions == nil {
			return res, pkgError.ConflictError("session monitor not configured")
		}
		account := req.Account
		if account == "" {
			account = "default"
		}
		if err := s.sessions.Refresh(ctx, req.Platform, account); err != nil {
			res.Detail = err.Error()
		} else {
			res.Success, res.Detail = true, "session refreshed"
		}
	case recovery.TriggerRetryIncident:
		inc, err := s.reopen(ctx, req.Platform, req.IncidentID)
		if err != nil {
			return res, err
		}
		s.step(ctx, incidentSlot(inc.Platform, inc.Kind))
		if inc, err = s.loadIncident(ctx, req.Platform, req.IncidentID); err != nil {
			return res, err
		}
		res.Incident = inc
		res.Success, res.Detail = inc.Status == recovery.IncidentResolved, string(inc.Status)
	case recovery.TriggerResolve:
		inc, err := s.resolveManually(ctx, req.Platform, req.IncidentID)
		if err != nil {
			return res, err
		}
		res.Incident = inc
		res.Success, res.Detail = true, "incident resolved"
	default:
		return res, pkgError.ValidationError(fmt.Sprintf("unknown action %q", req.Action))
	}
	snap := s.breakerSnapshot(req.Platform)
	res.Breaker = &snap
	log.WithField("success", res.Success).Info("[RECOVERY] Manual trigger executed")
	return res, nil
}

func (s *RecoveryService) loadIncident(ctx context.Context, platform, id string) (*recovery.Incident, error) {
	if id == "" {
		return nil, pkgError.ValidationError("incident_id is required")
	}
	inc, err := s.incidents.Get(ctx, platform, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, pkgError.NotFound("incident", id)
	}
	return inc, nil
}

// reopen restarts the procedure of an incident from its first action.
func (s *RecoveryService) reopen(ctx context.Context, platform, id string) (*recovery.Incident, error) {
	stored, err := s.loadIncident(ctx, platform, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	s.imu.Lock()
	defer s.imu.Unlock()
	slot := incidentSlot(stored.Platform, stored.Kind)
	inc, ok := s.active[slot]
	if ok && inc.ID != id {
		return nil, pkgError.ConflictError(fmt.Sprintf("incident %s is already active for %s", inc.ID, slot))
	}
	if !ok {
		inc = stored
		s.active[slot] = inc
	}
	if s.stepping[id] {
		return nil, pkgError.ConflictError("incident step in progress")
	}
	actions := s.actionsFor(inc.Kind)
	inc.Status = recovery.IncidentOpen
	inc.ResolvedAt = nil
	inc.ActionIndex, inc.ActionTries, inc.Attempts = 0, 0, 0
	if len(actions) > 0 {
		inc.CurrentAction = actions[0]
	}
	inc.NextCheckAt = now
	inc.History = append(inc.History, recovery.ActionOutcome{Action: "retry", Success: true, Detail: "manual retry", Timestamp: now})
	s.refreshActiveGauge(inc.Platform)
	return inc.Clone(), s.save(ctx, inc.Clone())
}

func (s *RecoveryService) resolveManually(ctx context.Context, platform, id string) (*recovery.Incident, error) {
	stored, err := s.loadIncident(ctx, platform, id)
	if err != nil {
		return nil, err
	}
	s.imu.Lock()
	defer s.imu.Unlock()
	if s.stepping[id] {
		return nil, pkgError.ConflictError("incident step in progress")
	}
	inc := stored
	slot := incidentSlot(stored.Platform, stored.Kind)
	if live, ok := s.active[slot]; ok && live.ID == id {
		inc = live
		delete(s.active, slot)
	}
	s.resolveLocked(inc, s.now(), "resolved manually")
	s.refreshActiveGauge(inc.Platform)
	out := inc.Clone()
	return out, s.save(ctx, out)
}

// --- Persistence ---

// Restore loads breaker snapshots and re-activates open incidents.
func (s *RecoveryService) Restore(ctx context.Context) error {
	if s.state != nil {
		snaps, err := s.state.LoadBreakers(ctx)
		if err != nil {
			return fmt.Errorf("failed to load breakers: %w", err)
		}
		for _, snap := range snaps {
			s.breakerFor(snap.Platform).Restore(breaker.Snapshot{
				State:               breaker.ParseState(string(snap.State)),
				OpenedAt:            snap.OpenedAt,
				ConsecutiveFailures: snap.ConsecutiveFailures,
				Cooldown:            snap.Cooldown,
				Level:               snap.Level,
				LastTransition:      snap.LastTransition,
			})
			metrics.BreakerState.WithLabelValues(snap.Platform).Set(metrics.BreakerStateValue(string(snap.State)))
		}
	}
	if s.incidents == nil {
		return nil
	}
	restored := 0
	for _, status := range []recovery.IncidentStatus{recovery.IncidentOpen, recovery.IncidentRecovering} {
		list, err := s.incidents.List(ctx, recovery.IncidentFilter{Status: status})
		if err != nil {
			return fmt.Errorf("failed to load incidents: %w", err)
		}
		s.imu.Lock()
		for _, inc := range list {
			slot := incidentSlot(inc.Platform, inc.Kind)
			if cur, ok := s.active[slot]; ok && !cur.LastSeen.Before(inc.LastSeen) {
				continue
			}
			s.active[slot] = inc
			restored++
		}
		s.imu.Unlock()
	}
	logrus.Infof("[RECOVERY] Restored state (%d active incidents)", restored)
	return nil
}

// Flush persists every breaker snapshot.
func (s *RecoveryService) Flush(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	for _, p := range s.knownPlatforms() {
		if err := s.state.SaveBreaker(ctx, s.breakerSnapshot(p)); err != nil {
			return err
		}
	}
	return nil
}
