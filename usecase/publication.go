package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	domainPublication "github.com/AzielCF/az-publisher/domains/publication"
	"github.com/AzielCF/az-publisher/domains/queue"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/validations"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type PublicationService struct {
	repo     domainPublication.Repository
	queue    *QueueManager
	adapters adapter.Registry
	now      func() time.Time
}

var _ domainPublication.IPublicationUsecase = (*PublicationService)(nil)

func NewPublicationService(repo domainPublication.Repository, q *QueueManager, adapters adapter.Registry) *PublicationService {
	return &PublicationService{
		repo:     repo,
		queue:    q,
		adapters: adapters,
		now:      time.Now,
	}
}

// Publish accepts a request and fans it out into one job per platform.
func (s *PublicationService) Publish(ctx context.Context, req domainPublication.Request) (domainPublication.Accepted, error) {
	if err := validations.ValidatePublish(ctx, req, s.adapters.Platforms()); err != nil {
		return domainPublication.Accepted{}, err
	}
	if req.Priority == "" {
		req.Priority = queue.PriorityNormal
	}

	now := s.now()
	pub := &domainPublication.Publication{
		ID:          uuid.NewString(),
		Topic:       req.Topic,
		ContentRef:  req.ContentRef,
		Platforms:   append([]string(nil), req.Platforms...),
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Jobs:        make(map[string]string, len(req.Platforms)),
		CreatedAt:   now,
	}
	if req.ScheduleAt != nil && req.ScheduleAt.After(now) {
		at := req.ScheduleAt.UTC()
		pub.ScheduleAt = &at
	}
	for _, p := range req.Platforms {
		pub.Jobs[p] = uuid.NewString()
	}

	if err := s.repo.Create(ctx, pub); err != nil {
		return domainPublication.Accepted{}, fmt.Errorf("failed to store publication: %w", err)
	}

	var enqueued []string
	for _, p := range req.Platforms {
		job := &queue.Job{
			ID:            pub.Jobs[p],
			PublicationID: pub.ID,
			Platform:      p,
			Account:       req.Accounts[p],
			Topic:         req.Topic,
			PayloadRef:    req.ContentRef,
			Priority:      req.Priority,
			MaxAttempts:   req.MaxAttempts,
		}
		if pub.ScheduleAt != nil {
			job.ScheduledAt = *pub.ScheduleAt
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.rollback(ctx, pub, enqueued)
			return domainPublication.Accepted{}, err
		}
		enqueued = append(enqueued, job.ID)
	}

	logrus.WithFields(logrus.Fields{
		"publication": pub.ID,
		"platforms":   strings.Join(pub.Platforms, ","),
		"priority":    pub.Priority,
	}).Info("[PUBLISH] Publication accepted")

	return domainPublication.Accepted{
		PublicationID: pub.ID,
		Jobs:          pub.Jobs,
		ScheduledAt:   pub.ScheduleAt,
	}, nil
}

// rollback cancels the jobs of a partially enqueued publication.
func (s *PublicationService) rollback(ctx context.Context, pub *domainPublication.Publication, jobIDs []string) {
	for _, id := range jobIDs {
		if _, err := s.queue.Cancel(ctx, id); err != nil {
			logrus.WithError(err).WithField("job", id).Warn("[PUBLISH] Failed to cancel job during rollback")
		}
	}
	if err := s.repo.SetCancelled(ctx, pub.ID, true); err != nil {
		logrus.WithError(err).WithField("publication", pub.ID).Warn("[PUBLISH] Failed to mark publication cancelled")
	}
}

func (s *PublicationService) load(ctx context.Context, id string) (*domainPublication.Publication, error) {
	pub, err := s.repo.Get(ctx, id)
	if errors.Is(err, domainPublication.ErrPublicationNotFound) {
		return nil, pkgError.NotFound("publication", id)
	}
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// jobs loads every job of pub keyed by platform, in platform order.
func (s *PublicationService) jobs(ctx context.Context, pub *domainPublication.Publication) ([]*queue.Job, error) {
	platforms := make([]string, 0, len(pub.Jobs))
	for p := range pub.Jobs {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	out := make([]*queue.Job, 0, len(platforms))
	for _, p := range platforms {
		job, err := s.queue.Get(ctx, pub.Jobs[p])
		if errors.Is(err, queue.ErrJobNotFound) {
			// enqueue never happened (rolled back); show it as cancelled
			out = append(out, &queue.Job{
				ID:            pub.Jobs[p],
				PublicationID: pub.ID,
				Platform:      p,
				State:         queue.StateFailed,
				MaxAttempts:   pub.MaxAttempts,
				LastError:     "job was never enqueued",
				LastErrorKind: queue.ErrorKindCancelled,
				UpdatedAt:     pub.CreatedAt,
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *PublicationService) Status(ctx context.Context, id string) (domainPublication.Status, error) {
	pub, err := s.load(ctx, id)
	if err != nil {
		return domainPublication.Status{}, err
	}
	jobs, err := s.jobs(ctx, pub)
	if err != nil {
		return domainPublication.Status{}, err
	}

	now := s.now()
	st := domainPublication.Status{
		PublicationID: pub.ID,
		Topic:         pub.Topic,
		Priority:      string(pub.Priority),
		Cancelled:     pub.Cancelled,
		Total:         len(jobs),
		Jobs:          make([]domainPublication.JobStatus, 0, len(jobs)),
		CreatedAt:     pub.CreatedAt,
	}
	var failed, waiting, active int
	for _, j := range jobs {
		js := domainPublication.JobStatus{
			Platform:         j.Platform,
			JobID:            j.ID,
			State:            j.State,
			Attempts:         j.Attempts,
			MaxAttempts:      j.MaxAttempts,
			RemainingRetries: j.RemainingRetries(),
			LastError:        j.LastError,
			LastErrorKind:    j.LastErrorKind,
			UpdatedAt:        j.UpdatedAt,
		}
		switch j.State {
		case queue.StateCompleted:
			st.Completed++
		case queue.StateFailed:
			st.Failed++
			failed++
		case queue.StateScheduled:
			at := j.ScheduledAt
			js.ScheduledAt = &at
			js.NextRun = strings.TrimSpace(humanize.RelTime(at, now, "ago", "from now"))
			waiting++
		case queue.StateQueued:
			js.NextRun = "now"
			waiting++
		case queue.StateProcessing:
			js.NextRun = "running"
			active++
		}
		st.Jobs = append(st.Jobs, js)
	}
	if st.Total > 0 {
		st.Progress = float64(st.Completed+st.Failed) / float64(st.Total)
	}

	st.Actions = []domainPublication.Action{}
	if !pub.Cancelled {
		if failed > 0 {
			st.Actions = append(st.Actions, domainPublication.ActionRetryFailed)
		}
		if waiting+active > 0 {
			st.Actions = append(st.Actions, domainPublication.ActionCancel)
		}
		if waiting > 0 {
			st.Actions = append(st.Actions, domainPublication.ActionReschedule)
		}
	}
	return st, nil
}

// RetryFailed re-queues every dead-lettered job of a publication with a fresh
// attempt budget.
func (s *PublicationService) RetryFailed(ctx context.Context, id string) (domainPublication.ActionResult, error) {
	pub, err := s.load(ctx, id)
	if err != nil {
		return domainPublication.ActionResult{}, err
	}
	if pub.Cancelled {
		return domainPublication.ActionResult{}, pkgError.ConflictError("publication is cancelled")
	}
	jobs, err := s.jobs(ctx, pub)
	if err != nil {
		return domainPublication.ActionResult{}, err
	}

	res := domainPublication.ActionResult{PublicationID: pub.ID, Action: domainPublication.ActionRetryFailed, Affected: map[string]string{}}
	for _, j := range jobs {
		if j.State != queue.StateFailed || j.CreatedAt.IsZero() {
			continue
		}
		retried, err := s.queue.RetryFailed(ctx, j.ID)
		if errors.Is(err, queue.ErrStateConflict) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Affected[j.Platform] = string(retried.State)
	}
	if len(res.Affected) == 0 {
		return res, pkgError.ConflictError("publication has no failed jobs")
	}
	logrus.WithFields(logrus.Fields{"publication": pub.ID, "jobs": len(res.Affected)}).Info("[PUBLISH] Failed jobs re-queued")
	return res, nil
}

// Cancel stops every unfinished job. Repeating it is a no-op.
func (s *PublicationService) Cancel(ctx context.Context, id string) (domainPublication.ActionResult, error) {
	pub, err := s.load(ctx, id)
	if err != nil {
		return domainPublication.ActionResult{}, err
	}
	res := domainPublication.ActionResult{PublicationID: pub.ID, Action: domainPublication.ActionCancel, Affected: map[string]string{}}
	if pub.Cancelled {
		return res, nil
	}
	if err := s.repo.SetCancelled(ctx, pub.ID, true); err != nil {
		return res, fmt.Errorf("failed to mark publication cancelled: %w", err)
	}

	jobs, err := s.jobs(ctx, pub)
	if err != nil {
		return res, err
	}
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		ok, err := s.queue.Cancel(ctx, j.ID)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		if j.State == queue.StateProcessing {
			res.Affected[j.Platform] = "cancel_requested"
		} else {
			res.Affected[j.Platform] = queue.ErrorKindCancelled
		}
	}
	logrus.WithFields(logrus.Fields{"publication": pub.ID, "jobs": len(res.Affected)}).Info("[PUBLISH] Publication cancelled")
	return res, nil
}

// Reschedule moves every waiting job to at.
func (s *PublicationService) Reschedule(ctx context.Context, id string, at time.Time) (domainPublication.ActionResult, error) {
	if err := validations.ValidateReschedule(ctx, domainPublication.RescheduleRequest{ScheduleAt: at}); err != nil {
		return domainPublication.ActionResult{}, err
	}
	pub, err := s.load(ctx, id)
	if err != nil {
		return domainPublication.ActionResult{}, err
	}
	if pub.Cancelled {
		return domainPublication.ActionResult{}, pkgError.ConflictError("publication is cancelled")
	}
	jobs, err := s.jobs(ctx, pub)
	if err != nil {
		return domainPublication.ActionResult{}, err
	}

	res := domainPublication.ActionResult{PublicationID: pub.ID, Action: domainPublication.ActionReschedule, Affected: map[string]string{}}
	for _, j := range jobs {
		if j.State != queue.StateQueued && j.State != queue.StateScheduled {
			continue
		}
		moved, err := s.queue.Reschedule(ctx, j.ID, at)
		if errors.Is(err, queue.ErrStateConflict) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Affected[j.Platform] = string(moved.State)
	}
	if len(res.Affected) == 0 {
		return res, pkgError.ConflictError("publication has no waiting jobs")
	}
	return res, nil
}

func (s *PublicationService) List(ctx context.Context, limit, offset int) ([]*domainPublication.Publication, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}
