package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/pkg/breaker"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/retry"
	"github.com/AzielCF/az-publisher/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recoveryFixture struct {
	svc       *RecoveryService
	ad        *fakeAdapter
	clock     *fakeClock
	incidents *repository.MemoryIncidentStore
	state     *repository.MemoryStateStore
	notifier  *recordingNotifier
}

func testRecoveryOptions() RecoveryOptions {
	return RecoveryOptions{
		Breaker:        breaker.Config{FailureThreshold: 5, Cooldown: 10 * time.Second, MaxCooldown: time.Minute, Multiplier: 2, ProbeTimeout: 30 * time.Second},
		MaxActionTries: 1,
		MaxAttempts:    10,
		ActionBackoff:  retry.Policy{Base: time.Second, Max: time.Minute, Multiplier: 2},
		ProbeTimeout:   time.Second,
	}
}

func newRecoveryFixture(t *testing.T, opts RecoveryOptions) *recoveryFixture {
	t.Helper()
	f := &recoveryFixture{
		ad:        newFakeAdapter("twitter"),
		clock:     newFakeClock(),
		incidents: repository.NewMemoryIncidentStore(100),
		state:     repository.NewMemoryStateStore(),
		notifier:  &recordingNotifier{},
	}
	f.svc = NewRecoveryService(opts, fakeRegistry{"twitter": f.ad}, f.incidents, f.state, f.notifier)
	f.svc.now = f.clock.Now
	return f
}

func timeoutReport(jobID string) recovery.Report {
	return recovery.Report{
		Platform: "twitter",
		JobID:    jobID,
		Failure:  recovery.ClassifiedFailure{Kind: recovery.KindConnectionTimeout, Message: "deadline exceeded"},
		Decision: "retry",
	}
}

func TestRecovery_FiveTimeoutsOpenBreaker(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.svc.ReportFailure(ctx, timeoutReport("job"))
		require.NoError(t, err)
		assert.True(t, f.svc.CanDispatch("twitter").Allowed, "still closed after %d failures", i+1)
	}
	inc, err := f.svc.ReportFailure(ctx, timeoutReport("job-5"))
	require.NoError(t, err)

	d := f.svc.CanDispatch("twitter")
	assert.False(t, d.Allowed)
	assert.Equal(t, recovery.BreakerOpen, d.State)
	assert.Positive(t, d.RetryIn)

	assert.Equal(t, 5, inc.Occurrences)
	assert.Equal(t, "job-5", inc.LastJobID)
	assert.Equal(t, 1, f.svc.ActiveIncidents("twitter"))

	snaps, err := f.state.LoadBreakers(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, recovery.BreakerOpen, snaps[0].State)
}

func TestRecovery_HalfOpenAdmitsSingleProbe(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.ReportFailure(ctx, timeoutReport("job"))
	}
	f.clock.Advance(11 * time.Second)

	first := f.svc.CanDispatch("twitter")
	second := f.svc.CanDispatch("twitter")
	assert.True(t, first.Allowed)
	assert.True(t, first.Probe)
	assert.Equal(t, recovery.BreakerHalfOpen, first.State)
	assert.False(t, second.Allowed)

	f.svc.ReleaseProbe("twitter")
	assert.True(t, f.svc.CanDispatch("twitter").Probe)

	f.svc.ReportSuccess(ctx, "twitter")
	assert.Equal(t, recovery.BreakerClosed, f.svc.Breaker("twitter").State)
}

func TestRecovery_ValidationAndProactiveSkipBreaker(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindValidation}})
		_, _ = f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Proactive: true, Failure: recovery.ClassifiedFailure{Kind: recovery.KindSessionExpired}})
	}
	assert.Equal(t, recovery.BreakerClosed, f.svc.Breaker("twitter").State)
	assert.Zero(t, f.svc.Breaker("twitter").ConsecutiveFailures)
	assert.Equal(t, 2, f.svc.ActiveIncidents("twitter"))
}

func TestRecovery_ConcurrentReportsDeduplicate(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.ReportFailure(ctx, recovery.Report{
				Platform: "twitter",
				Failure:  recovery.ClassifiedFailure{Kind: recovery.KindServerError},
				Decision: "dead_letter",
			})
		}()
	}
	wg.Wait()

	list, err := f.svc.Incidents(ctx, recovery.IncidentFilter{Platform: "twitter"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 50, list[0].Occurrences)
	assert.Equal(t, 50, list[0].DeadLettered)
}

func TestRecovery_StepResolvesWhenAdapterHealthy(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	inc, err := f.svc.ReportFailure(ctx, timeoutReport("job"))
	require.NoError(t, err)
	assert.Equal(t, recovery.ActionRetryWithBackoff, inc.CurrentAction)

	assert.Zero(t, f.svc.RunOnce(ctx), "retry_with_backoff waits for its delay")
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.svc.RunOnce(ctx))

	stored, err := f.incidents.Get(ctx, "twitter", inc.ID)
	require.NoError(t, err)
	assert.Equal(t, recovery.IncidentResolved, stored.Status)
	require.NotNil(t, stored.ResolvedAt)
	assert.Equal(t, 1, stored.Attempts)
	assert.Zero(t, f.svc.ActiveIncidents("twitter"))
	assert.Zero(t, f.notifier.count())
}

func TestRecovery_EscalatesWhenCatalogExhausted(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	f.ad.setHealth(adapter.HealthReport{}, errors.New("connection refused"))

	inc, err := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindServerError}})
	require.NoError(t, err)
	assert.Equal(t, recovery.ActionProbeHealth, inc.CurrentAction)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		assert.Equal(t, 1, f.svc.RunOnce(ctx), "step %d", i+1)
	}

	stored, err := f.incidents.Get(ctx, "twitter", inc.ID)
	require.NoError(t, err)
	assert.Equal(t, recovery.IncidentFailed, stored.Status)
	require.Len(t, stored.History, 3)
	assert.Equal(t, recovery.ActionProbeHealth, stored.History[0].Action)
	assert.False(t, stored.History[0].Success)
	assert.Equal(t, recovery.ActionRetryWithBackoff, stored.History[1].Action)
	assert.Equal(t, recovery.ActionEscalate, stored.History[2].Action)
	assert.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, f.svc.ActiveIncidents("twitter"))
}

func TestRecovery_AttemptCeiling(t *testing.T) {
	opts := testRecoveryOptions()
	opts.MaxActionTries = 5
	opts.MaxAttempts = 2
	f := newRecoveryFixture(t, opts)
	ctx := context.Background()
	f.ad.setHealth(adapter.HealthReport{Alive: false, Message: "maintenance"}, nil)

	inc, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindServerError}})
	f.svc.RunOnce(ctx)
	f.clock.Advance(time.Minute)
	f.svc.RunOnce(ctx)

	stored, _ := f.incidents.Get(ctx, "twitter", inc.ID)
	assert.Equal(t, recovery.IncidentFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Contains(t, stored.History[0].Detail, "maintenance")
}

func TestRecovery_SuccessResolvesPlatformIncidentsButNotSessions(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	timeout, _ := f.svc.ReportFailure(ctx, timeoutReport("job"))
	sess, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Account: "brand", Failure: recovery.ClassifiedFailure{Kind: recovery.KindSessionExpired}})

	f.svc.ReportSuccess(ctx, "twitter")

	got, _ := f.incidents.Get(ctx, "twitter", timeout.ID)
	assert.Equal(t, recovery.IncidentResolved, got.Status)
	got, _ = f.incidents.Get(ctx, "twitter", sess.ID)
	assert.Equal(t, recovery.IncidentOpen, got.Status)
	assert.Equal(t, 1, f.svc.ActiveIncidents("twitter"))
	_, ok := f.svc.LastSuccess("twitter")
	assert.True(t, ok)
}

type stubRefresher struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (r *stubRefresher) Refresh(ctx context.Context, platform, account string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, platform+"/"+account)
	return r.err
}

func TestRecovery_RefreshSessionAction(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	ref := &stubRefresher{}
	f.svc.SetSessionRefresher(ref)

	inc, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Account: "brand", Failure: recovery.ClassifiedFailure{Kind: recovery.KindAuthentication}})
	assert.Equal(t, recovery.ActionRefreshSession, inc.CurrentAction)
	f.svc.RunOnce(ctx)

	assert.Equal(t, []string{"twitter/brand"}, ref.calls)
	stored, _ := f.incidents.Get(ctx, "twitter", inc.ID)
	assert.Equal(t, recovery.IncidentResolved, stored.Status)
}

func TestRecovery_RefreshUnsupportedSkipsToNextAction(t *testing.T) {
	opts := testRecoveryOptions()
	opts.MaxActionTries = 3
	f := newRecoveryFixture(t, opts)
	ctx := context.Background()
	f.svc.SetSessionRefresher(&stubRefresher{err: adapter.ErrRefreshUnsupported})
	f.ad.setHealth(adapter.HealthReport{}, errors.New("down"))

	inc, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindSessionExpired}})
	f.svc.RunOnce(ctx)

	stored, _ := f.incidents.Get(ctx, "twitter", inc.ID)
	assert.Equal(t, recovery.ActionProbeHealth, stored.CurrentAction)
	assert.Equal(t, 1, stored.ActionIndex)
	assert.Zero(t, stored.ActionTries)
}

type stubThrottle struct {
	throttled bool
	wait      time.Duration
}

func (s stubThrottle) ShouldThrottle(platform string) (bool, time.Duration) {
	return s.throttled, s.wait
}

func TestRecovery_WaitForRateLimitDoesNotConsumeTries(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	f.svc.SetThrottleChecker(stubThrottle{throttled: true, wait: 30 * time.Second})

	inc, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindRateLimit}})
	assert.Equal(t, 1, f.svc.RunOnce(ctx))

	stored, _ := f.incidents.Get(ctx, "twitter", inc.ID)
	assert.Equal(t, recovery.IncidentRecovering, stored.Status)
	assert.Zero(t, stored.Attempts)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), stored.NextCheckAt)
	assert.Zero(t, f.svc.RunOnce(ctx))

	f.svc.SetThrottleChecker(stubThrottle{})
	f.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, f.svc.RunOnce(ctx))
	stored, _ = f.incidents.Get(ctx, "twitter", inc.ID)
	assert.Equal(t, recovery.IncidentResolved, stored.Status)
}

func TestRecovery_ValidationEscalatesImmediately(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	inc, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindValidation}})
	f.svc.RunOnce(ctx)

	stored, _ := f.incidents.Get(ctx, "twitter", inc.ID)
	assert.Equal(t, recovery.IncidentFailed, stored.Status)
	assert.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRecovery_Trigger(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()

	_, err := f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerResetBreaker, Platform: "myspace"})
	var verr pkgError.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.Trigger(ctx, recovery.TriggerRequest{Action: "reboot", Platform: "twitter"})
	assert.ErrorAs(t, err, &verr)

	res, err := f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerForceOpen, Platform: "twitter"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, recovery.BreakerOpen, res.Breaker.State)
	assert.False(t, f.svc.CanDispatch("twitter").Allowed)

	res, err = f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerResetBreaker, Platform: "twitter"})
	require.NoError(t, err)
	assert.Equal(t, recovery.BreakerClosed, res.Breaker.State)

	res, err = f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerProbe, Platform: "twitter"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerResolve, Platform: "twitter", IncidentID: "missing"})
	var nerr pkgError.NotFoundError
	assert.ErrorAs(t, err, &nerr)
}

func TestRecovery_TriggerRetryAndResolveIncident(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	inc, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindValidation}})
	f.svc.RunOnce(ctx)
	stored, _ := f.incidents.Get(ctx, "twitter", inc.ID)
	require.Equal(t, recovery.IncidentFailed, stored.Status)

	// validation only escalates, so a retry escalates again
	res, err := f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerRetryIncident, Platform: "twitter", IncidentID: inc.ID})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, recovery.IncidentFailed, res.Incident.Status)

	res, err = f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerResolve, Platform: "twitter", IncidentID: inc.ID})
	require.NoError(t, err)
	assert.Equal(t, recovery.IncidentResolved, res.Incident.Status)

	srv, _ := f.svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindServerError}})
	res, err = f.svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerRetryIncident, Platform: "twitter", IncidentID: srv.ID})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, f.svc.ActiveIncidents("twitter"))
}

// failingIncidentStore lets the first allowGets reads through, then fails.
type failingIncidentStore struct {
	*repository.MemoryIncidentStore
	mu        sync.Mutex
	allowGets int
}

func (s *failingIncidentStore) Get(ctx context.Context, platform, id string) (*recovery.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowGets <= 0 {
		return nil, pkgError.Unavailable("incident store", errors.New("connection refused"))
	}
	s.allowGets--
	return s.MemoryIncidentStore.Get(ctx, platform, id)
}

func TestRecovery_TriggerRetryIncidentPropagatesStoreError(t *testing.T) {
	store := &failingIncidentStore{MemoryIncidentStore: repository.NewMemoryIncidentStore(100), allowGets: 1}
	clock := newFakeClock()
	svc := NewRecoveryService(testRecoveryOptions(), fakeRegistry{"twitter": newFakeAdapter("twitter")}, store, repository.NewMemoryStateStore(), &recordingNotifier{})
	svc.now = clock.Now
	ctx := context.Background()

	inc, err := svc.ReportFailure(ctx, recovery.Report{Platform: "twitter", Failure: recovery.ClassifiedFailure{Kind: recovery.KindServerError}})
	require.NoError(t, err)

	_, err = svc.Trigger(ctx, recovery.TriggerRequest{Action: recovery.TriggerRetryIncident, Platform: "twitter", IncidentID: inc.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgError.ErrStoreUnavailable)
}

func TestRecovery_RestoreAfterRestart(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.ReportFailure(ctx, timeoutReport("job"))
	}
	require.NoError(t, f.svc.Flush(ctx))

	next := NewRecoveryService(testRecoveryOptions(), fakeRegistry{"twitter": f.ad}, f.incidents, f.state, f.notifier)
	next.now = f.clock.Now
	require.NoError(t, next.Restore(ctx))

	assert.Equal(t, recovery.BreakerOpen, next.Breaker("twitter").State)
	assert.False(t, next.CanDispatch("twitter").Allowed)
	assert.Equal(t, 1, next.ActiveIncidents("twitter"))

	inc, _ := next.ReportFailure(ctx, timeoutReport("job-6"))
	assert.Equal(t, 6, inc.Occurrences)
}

func TestRecovery_Status(t *testing.T) {
	f := newRecoveryFixture(t, testRecoveryOptions())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.ReportFailure(ctx, timeoutReport("job"))
	}
	f.clock.Advance(3 * time.Second)

	st := f.svc.Status(ctx)
	require.Len(t, st.Platforms, 1)
	p := st.Platforms[0]
	assert.Equal(t, "twitter", p.Platform)
	assert.Equal(t, recovery.BreakerOpen, p.Breaker.State)
	assert.Equal(t, 1, p.ActiveIncidents)
	assert.NotEmpty(t, p.OpenedFor)
	assert.Len(t, st.Kinds, 8)
	assert.Equal(t, []recovery.Action{recovery.ActionEscalate}, st.Catalog[recovery.KindValidation])
}
