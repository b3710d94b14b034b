package publication

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-publisher/domains/queue"
)

// Request is the body of POST /publish.
type Request struct {
	Topic       string         `json:"topic"`
	ContentRef  string         `json:"content_ref"`
	Platforms   []string       `json:"platforms"`
	ScheduleAt  *time.Time     `json:"schedule_at,omitempty"`
	Priority    queue.Priority `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	// Accounts optionally selects the account per platform.
	Accounts map[string]string `json:"accounts,omitempty"`
}

// Publication is the accepted, immutable request plus its job ids.
type Publication struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	ContentRef  string            `json:"content_ref"`
	Platforms   []string          `json:"platforms"`
	ScheduleAt  *time.Time        `json:"schedule_at,omitempty"`
	Priority    queue.Priority    `json:"priority"`
	MaxAttempts int               `json:"max_attempts"`
	Jobs        map[string]string `json:"jobs"`
	Cancelled   bool              `json:"cancelled"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Accepted is the response to POST /publish.
type Accepted struct {
	PublicationID string            `json:"publication_id"`
	Jobs          map[string]string `json:"jobs"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty"`
}

type Action string

const (
	ActionRetryFailed Action = "retry_failed"
	ActionCancel      Action = "cancel"
	ActionReschedule  Action = "reschedule"
)

// JobStatus is the per-platform view inside a publication status.
type JobStatus struct {
	Platform         string      `json:"platform"`
	JobID            string      `json:"job_id"`
	State            queue.State `json:"state"`
	Attempts         int         `json:"attempts"`
	MaxAttempts      int         `json:"max_attempts"`
	RemainingRetries int         `json:"remaining_retries"`
	LastError        string      `json:"last_error,omitempty"`
	LastErrorKind    string      `json:"last_error_kind,omitempty"`
	ScheduledAt      *time.Time  `json:"scheduled_at,omitempty"`
	NextRun          string      `json:"next_run,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Status is the body of GET /publication/:id.
type Status struct {
	PublicationID string      `json:"publication_id"`
	Topic         string      `json:"topic"`
	Priority      string      `json:"priority"`
	Cancelled     bool        `json:"cancelled"`
	Progress      float64     `json:"progress"`
	Completed     int         `json:"completed"`
	Failed        int         `json:"failed"`
	Total         int         `json:"total"`
	Jobs          []JobStatus `json:"jobs"`
	Actions       []Action    `json:"actions"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ActionResult reports what a manual publication action touched.
type ActionResult struct {
	PublicationID string            `json:"publication_id"`
	Action        Action            `json:"action"`
	Affected      map[string]string `json:"affected"`
}

// RescheduleRequest is the body of POST /publication/:id/reschedule.
type RescheduleRequest struct {
	ScheduleAt time.Time `json:"schedule_at"`
}

var ErrPublicationNotFound = errors.New("publication not found")

// Repository persists publication records.
type Repository interface {
	Create(ctx context.Context, p *Publication) error
	Get(ctx context.Context, id string) (*Publication, error)
	SetCancelled(ctx context.Context, id string, cancelled bool) error
	List(ctx context.Context, limit, offset int) ([]*Publication, error)
}

type IPublicationUsecase interface {
	Publish(ctx context.Context, req Request) (Accepted, error)
	Status(ctx context.Context, id string) (Status, error)
	RetryFailed(ctx context.Context, id string) (ActionResult, error)
	Cancel(ctx context.Context, id string) (ActionResult, error)
	Reschedule(ctx context.Context, id string, at time.Time) (ActionResult, error)
	List(ctx context.Context, limit, offset int) ([]*Publication, error)
}
