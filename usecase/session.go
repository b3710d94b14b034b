package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/domains/session"
	"github.com/AzielCF/az-publisher/infrastructure/metrics"
	"github.com/sirupsen/logrus"
)

// FailureReporter is the part of the recovery system monitors report into.
type FailureReporter interface {
	ReportFailure(ctx context.Context, report recovery.Report) (*recovery.Incident, error)
}

// SessionMonitor validates browser-backed sessions through the adapter health
// endpoint and raises proactive session_expired reports.
type SessionMonitor struct {
	mu            sync.RWMutex
	records       map[string]*session.Record
	adapters      adapter.Registry
	reporter      FailureReporter
	expiryWarning time.Duration
	now           func() time.Time
}

var _ session.ISessionMonitor = (*SessionMonitor)(nil)

func NewSessionMonitor(adapters adapter.Registry, expiryWarning time.Duration) *SessionMonitor {
	if expiryWarning <= 0 {
		expiryWarning = 10 * time.Minute
	}
	return &SessionMonitor{
		records:       make(map[string]*session.Record),
		adapters:      adapters,
		expiryWarning: expiryWarning,
		now:           time.Now,
	}
}

// SetReporter wires the recovery system after construction.
func (m *SessionMonitor) SetReporter(r FailureReporter) {
	m.mu.Lock()
	m.reporter = r
	m.mu.Unlock()
}

// Register starts tracking (platform, account). Registering twice is a no-op.
func (m *SessionMonitor) Register(platform, account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := session.Key(platform, account)
	if _, ok := m.records[key]; ok {
		return
	}
	m.records[key] = &session.Record{Platform: platform, Account: account, Valid: true, HealthScore: 100}
}

// Tracks reports whether (platform, account) is a registered session.
func (m *SessionMonitor) Tracks(platform, account string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[session.Key(platform, account)]
	return ok
}

// Usable reports whether jobs for (platform, account) may be dispatched.
// Unregistered sessions are usable.
func (m *SessionMonitor) Usable(platform, account string) (bool, string) {
	m.mu.RLock()
	rec, ok := m.records[session.Key(platform, account)]
	if !ok {
		m.mu.RUnlock()
		return true, ""
	}
	r := *rec
	m.mu.RUnlock()

	if !r.Valid {
		reason := "session invalid"
		if r.LastError != "" {
			reason += ": " + r.LastError
		}
		return false, reason
	}
	if r.ExpiresAt != nil && !m.now().Before(*r.ExpiresAt) {
		return false, "session expired at " + r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return true, ""
}

// Check validates one session against the adapter health endpoint.
func (m *SessionMonitor) Check(ctx context.Context, platform, account string) (session.Record, error) {
	ad, ok := m.adapters.Get(platform)
	if !ok {
		return session.Record{}, fmt.Errorf("no adapter for platform %s", platform)
	}
	m.Register(platform, account)

	report, err := ad.Health(ctx)
	now := m.now()

	m.mu.Lock()
	rec := m.records[session.Key(platform, account)]
	rec.LastChecked = now
	switch {
	case err != nil || !report.Alive:
		rec.ConsecutiveFailures++
		if err != nil {
			rec.LastError = err.Error()
		} else {
			rec.LastError = "adapter not alive: " + report.Message
		}
	default:
		info, found := report.Session(account)
		if !found {
			rec.Valid = false
			rec.LastError = "session not reported by adapter"
		} else {
			rec.Valid = info.Valid
			rec.ExpiresAt = info.ExpiresAt
			rec.ConsecutiveFailures = 0
			rec.LastError = ""
			if !info.Valid {
				rec.LastError = "adapter reports session invalid"
			}
		}
	}
	rec.HealthScore = m.score(rec, now)
	snapshot := *rec
	reporter := m.reporter
	m.mu.Unlock()

	metrics.SessionHealth.WithLabelValues(platform, account).Set(float64(snapshot.HealthScore))

	if err == nil && report.Alive && reporter != nil {
		if reason, raise := m.needsAttention(snapshot, now); raise {
			logrus.WithFields(logrus.Fields{"platform": platform, "account": account}).Warnf("[SESSION] %s", reason)
			_, rerr := reporter.ReportFailure(ctx, recovery.Report{
				Platform:  platform,
				Account:   account,
				Failure:   recovery.ClassifiedFailure{Kind: recovery.KindSessionExpired, Message: reason},
				Proactive: true,
				At:        now,
			})
			if rerr != nil {
				logrus.WithError(rerr).Warn("[SESSION] Failed to report session problem")
			}
		}
	}
	return snapshot, err
}

func (m *SessionMonitor) needsAttention(r session.Record, now time.Time) (string, bool) {
	if !r.Valid {
		return "session invalid: " + r.LastError, true
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Sub(now) <= m.expiryWarning {
		return "session expires at " + r.ExpiresAt.UTC().Format(time.RFC3339), true
	}
	return "", false
}

func (m *SessionMonitor) score(r *session.Record, now time.Time) int {
	score := 100
	if !r.Valid {
		score = 0
	} else if r.ExpiresAt != nil {
		left := r.ExpiresAt.Sub(now)
		if left <= 0 {
			score = 0
		} else if left <= m.expiryWarning {
			score = 40
		}
	}
	score -= 15 * r.ConsecutiveFailures
	if score < 0 {
		score = 0
	}
	return score
}

// CheckAll validates every registered session.
func (m *SessionMonitor) CheckAll(ctx context.Context) {
	for _, r := range m.Records() {
		if _, err := m.Check(ctx, r.Platform, r.Account); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"platform": r.Platform, "account": r.Account}).Debug("[SESSION] Health check failed")
		}
	}
}

// Refresh asks the adapter to renew the session and re-validates it.
func (m *SessionMonitor) Refresh(ctx context.Context, platform, account string) error {
	ad, ok := m.adapters.Get(platform)
	if !ok {
		return fmt.Errorf("no adapter for platform %s", platform)
	}
	m.Register(platform, account)
	if err := ad.RefreshSession(ctx, account); err != nil {
		m.mu.Lock()
		rec := m.records[session.Key(platform, account)]
		rec.ConsecutiveFailures++
		rec.LastError = "refresh failed: " + err.Error()
		rec.HealthScore = m.score(rec, m.now())
		m.mu.Unlock()
		if errors.Is(err, adapter.ErrRefreshUnsupported) {
			return err
		}
		return fmt.Errorf("session refresh failed: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	rec := m.records[session.Key(platform, account)]
	rec.Valid = true
	rec.ExpiresAt = nil
	rec.ConsecutiveFailures = 0
	rec.LastError = ""
	rec.LastRefresh = &now
	rec.HealthScore = m.score(rec, now)
	m.mu.Unlock()
	logrus.WithFields(logrus.Fields{"platform": platform, "account": account}).Info("[SESSION] Session refreshed")
	return nil
}

// Records returns a copy of every tracked session, ordered by key.
func (m *SessionMonitor) Records() []session.Record {
	m.mu.RLock()
	out := make([]session.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return session.Key(out[i].Platform, out[i].Account) < session.Key(out[j].Platform, out[j].Account)
	})
	return out
}

// PlatformRecords returns the sessions of one platform.
func (m *SessionMonitor) PlatformRecords(platform string) []session.Record {
	var out []session.Record
	for _, r := range m.Records() {
		if r.Platform == platform {
			out = append(out, r)
		}
	}
	return out
}

func (m *SessionMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	m.CheckAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}
