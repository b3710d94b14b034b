package usecase

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/recovery"
)

type fakeAdapter struct {
	mu         sync.Mutex
	platform   string
	health     adapter.HealthReport
	healthErr  error
	refreshErr error
	publish    func(req adapter.PublishRequest) adapter.Result

	publishCalls int64
	healthCalls  int64
	refreshCalls int64
	requests     []adapter.PublishRequest
}

func newFakeAdapter(platform string) *fakeAdapter {
	return &fakeAdapter{
		platform: platform,
		health:   adapter.HealthReport{Alive: true},
		publish: func(req adapter.PublishRequest) adapter.Result {
			return adapter.Result{Outcome: adapter.OutcomeSuccess, PlatformPostID: "post-" + req.JobID}
		},
	}
}

func (a *fakeAdapter) Platform() string { return a.platform }

func (a *fakeAdapter) Health(ctx context.Context) (adapter.HealthReport, error) {
	atomic.AddInt64(&a.healthCalls, 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health, a.healthErr
}

func (a *fakeAdapter) Publish(ctx context.Context, req adapter.PublishRequest) adapter.Result {
	atomic.AddInt64(&a.publishCalls, 1)
	a.mu.Lock()
	a.requests = append(a.requests, req)
	fn := a.publish
	a.mu.Unlock()
	return fn(req)
}

func (a *fakeAdapter) RefreshSession(ctx context.Context, account string) error {
	atomic.AddInt64(&a.refreshCalls, 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshErr
}

func (a *fakeAdapter) setHealth(h adapter.HealthReport, err error) {
	a.mu.Lock()
	a.health, a.healthErr = h, err
	a.mu.Unlock()
}

func (a *fakeAdapter) setPublish(fn func(req adapter.PublishRequest) adapter.Result) {
	a.mu.Lock()
	a.publish = fn
	a.mu.Unlock()
}

func (a *fakeAdapter) setRefreshErr(err error) {
	a.mu.Lock()
	a.refreshErr = err
	a.mu.Unlock()
}

type fakeRegistry map[string]*fakeAdapter

func (r fakeRegistry) Get(platform string) (adapter.Adapter, bool) {
	a, ok := r[platform]
	if !ok {
		return nil, false
	}
	return a, true
}

func (r fakeRegistry) Platforms() []string {
	out := make([]string, 0, len(r))
	for p := range r {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// recordingReporter captures failure reports.
type recordingReporter struct {
	mu      sync.Mutex
	reports []recovery.Report
}

func (r *recordingReporter) ReportFailure(ctx context.Context, rep recovery.Report) (*recovery.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return &recovery.Incident{ID: "inc", Platform: rep.Platform, Kind: rep.Failure.Kind}, nil
}

func (r *recordingReporter) all() []recovery.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recovery.Report(nil), r.reports...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	incidents []*recovery.Incident
}

func (n *recordingNotifier) NotifyIncident(ctx context.Context, inc *recovery.Incident) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incidents = append(n.incidents, inc.Clone())
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.incidents)
}
