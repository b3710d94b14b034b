package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	domainPublication "github.com/AzielCF/az-publisher/domains/publication"
	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/domains/recovery"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publicationFixture struct {
	*queueFixture
	repo *repository.MemoryPublicationRepository
	svc  *PublicationService
}

func newPublicationFixture(t *testing.T) *publicationFixture {
	t.Helper()
	qf := newQueueFixture(t)
	repo := repository.NewMemoryPublicationRepository()
	reg := fakeRegistry{"twitter": newFakeAdapter("twitter"), "ghost": newFakeAdapter("ghost")}
	svc := NewPublicationService(repo, qf.mgr, reg)
	svc.now = qf.clock.Now
	return &publicationFixture{queueFixture: qf, repo: repo, svc: svc}
}

func TestPublication_PublishFansOut(t *testing.T) {
	f := newPublicationFixture(t)
	ctx := context.Background()

	acc, err := f.svc.Publish(ctx, domainPublication.Request{
		Topic:      "launch",
		ContentRef: "posts/42",
		Platforms:  []string{"twitter", "ghost"},
		Priority:   queue.PriorityHigh,
		Accounts:   map[string]string{"twitter": "brand"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, acc.PublicationID)
	require.Len(t, acc.Jobs, 2)
	assert.Nil(t, acc.ScheduledAt)

	job, err := f.mgr.Get(ctx, acc.Jobs["twitter"])
	require.NoError(t, err)
	assert.Equal(t, acc.PublicationID, job.PublicationID)
	assert.Equal(t, "brand", job.Account)
	assert.Equal(t, "posts/42", job.PayloadRef)
	assert.Equal(t, queue.PriorityHigh, job.Priority)
	assert.Equal(t, queue.StateQueued, job.State)
	assert.Equal(t, 3, job.MaxAttempts)

	pub, err := f.repo.Get(ctx, acc.PublicationID)
	require.NoError(t, err)
	assert.Equal(t, acc.Jobs, pub.Jobs)
}

func TestPublication_PublishRejectsInvalid(t *testing.T) {
	f := newPublicationFixture(t)
	_, err := f.svc.Publish(context.Background(), domainPublication.Request{ContentRef: "posts/1", Platforms: []string{"myspace"}})
	var verr pkgError.ValidationError
	require.ErrorAs(t, err, &verr)

	list, err := f.svc.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPublication_ScheduledStatus(t *testing.T) {
	f := newPublicationFixture(t)
	ctx := context.Background()
	at := t0.Add(2 * time.Hour)

	acc, err := f.svc.Publish(ctx, domainPublication.Request{ContentRef: "posts/1", Platforms: []string{"twitter"}, ScheduleAt: &at})
	require.NoError(t, err)
	require.NotNil(t, acc.ScheduledAt)

	st, err := f.svc.Status(ctx, acc.PublicationID)
	require.NoError(t, err)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, queue.StateScheduled, st.Jobs[0].State)
	assert.Equal(t, "2 hours from now", st.Jobs[0].NextRun)
	assert.Equal(t, 3, st.Jobs[0].RemainingRetries)
	assert.Zero(t, st.Progress)
	assert.Equal(t, []domainPublication.Action{domainPublication.ActionCancel, domainPublication.ActionReschedule}, st.Actions)
}

func TestPublication_ProgressAndRetryFailed(t *testing.T) {
	f := newPublicationFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Publish(ctx, domainPublication.Request{ContentRef: "posts/1", Platforms: []string{"twitter", "ghost"}})
	require.NoError(t, err)

	tw, err := f.mgr.Dequeue(ctx, "twitter", "w")
	require.NoError(t, err)
	_, err = f.mgr.MarkCompleted(ctx, tw.ID, "w")
	require.NoError(t, err)

	gh, err := f.mgr.Dequeue(ctx, "ghost", "w")
	require.NoError(t, err)
	decision, err := f.mgr.MarkFailed(ctx, gh.ID, "w", recovery.ClassifiedFailure{Kind: recovery.KindValidation, Message: "title too long"})
	require.NoError(t, err)
	assert.Equal(t, queue.DecisionDeadLetter, decision)

	st, err := f.svc.Status(ctx, acc.PublicationID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Progress)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, []domainPublication.Action{domainPublication.ActionRetryFailed}, st.Actions)
	assert.Equal(t, "ghost", st.Jobs[0].Platform)
	assert.Equal(t, string(recovery.KindValidation), st.Jobs[0].LastErrorKind)

	res, err := f.svc.RetryFailed(ctx, acc.PublicationID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ghost": string(queue.StateQueued)}, res.Affected)

	job, err := f.mgr.Get(ctx, gh.ID)
	require.NoError(t, err)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.LastError)

	_, err = f.svc.RetryFailed(ctx, acc.PublicationID)
	var cerr pkgError.ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestPublication_Cancel(t *testing.T) {
	f := newPublicationFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Publish(ctx, domainPublication.Request{ContentRef: "posts/1", Platforms: []string{"twitter", "ghost"}})
	require.NoError(t, err)

	inflight, err := f.mgr.Dequeue(ctx, "twitter", "w")
	require.NoError(t, err)
	require.NotNil(t, inflight)

	res, err := f.svc.Cancel(ctx, acc.PublicationID)
	require.NoError(t, err)
	assert.Equal(t, "cancel_requested", res.Affected["twitter"])
	assert.Equal(t, queue.ErrorKindCancelled, res.Affected["ghost"])

	settled, err := f.mgr.MarkCompleted(ctx, inflight.ID, "w")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, settled.State)
	assert.Equal(t, queue.ErrorKindCancelled, settled.LastErrorKind)

	st, err := f.svc.Status(ctx, acc.PublicationID)
	require.NoError(t, err)
	assert.True(t, st.Cancelled)
	assert.Equal(t, 2, st.Failed)
	assert.Empty(t, st.Actions)

	again, err := f.svc.Cancel(ctx, acc.PublicationID)
	require.NoError(t, err)
	assert.Empty(t, again.Affected)

	_, err = f.svc.RetryFailed(ctx, acc.PublicationID)
	var cerr pkgError.ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestPublication_Reschedule(t *testing.T) {
	f := newPublicationFixture(t)
	ctx := context.Background()
	acc, err := f.svc.Publish(ctx, domainPublication.Request{ContentRef: "posts/1", Platforms: []string{"twitter"}})
	require.NoError(t, err)

	res, err := f.svc.Reschedule(ctx, acc.PublicationID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, string(queue.StateScheduled), res.Affected["twitter"])

	job, err := f.mgr.Get(ctx, acc.Jobs["twitter"])
	require.NoError(t, err)
	assert.Equal(t, queue.StateScheduled, job.State)

	res, err = f.svc.Reschedule(ctx, acc.PublicationID, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, string(queue.StateQueued), res.Affected["twitter"])

	_, err = f.svc.Reschedule(ctx, acc.PublicationID, time.Time{})
	var verr pkgError.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPublication_NotFound(t *testing.T) {
	f := newPublicationFixture(t)
	_, err := f.svc.Status(context.Background(), "missing")
	var nerr pkgError.NotFoundError
	assert.ErrorAs(t, err, &nerr)
	_, err = f.svc.Cancel(context.Background(), "missing")
	assert.ErrorAs(t, err, &nerr)
}

func TestPublication_EnqueueFailureRollsBack(t *testing.T) {
	f := newPublicationFixture(t)
	f.store.SetFailure(errors.New("connection refused"))

	_, err := f.svc.Publish(context.Background(), domainPublication.Request{ContentRef: "posts/1", Platforms: []string{"twitter"}})
	assert.ErrorIs(t, err, pkgError.ErrStoreUnavailable)

	f.store.SetFailure(nil)
	list, err := f.svc.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Cancelled)
}
