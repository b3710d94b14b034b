package queue

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-publisher/domains/recovery"
)

// State is the lifecycle position of a publication job.
type State string

const (
	StateQueued     State = "queued"
	StateScheduled  State = "scheduled"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// AllStates lists every state in display order.
var AllStates = []State{StateQueued, StateScheduled, StateProcessing, StateCompleted, StateFailed}

// Terminal reports whether no further transition is allowed from s
// (other than an explicit manual retry of a failed job).
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for dequeue: lower rank is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ErrorKindCancelled marks jobs failed by a publication cancel. It is not a platform failure.
const ErrorKindCancelled = "cancelled"

// Job is one (publication, platform) unit of work.
type Job struct {
	ID              string    `json:"id"`
	PublicationID   string    `json:"publication_id"`
	Platform        string    `json:"platform"`
	Account         string    `json:"account,omitempty"`
	Topic           string    `json:"topic,omitempty"`
	PayloadRef      string    `json:"payload_ref"`
	Priority        Priority  `json:"priority"`
	State           State     `json:"state"`
	Attempts        int       `json:"attempts"`
	MaxAttempts     int       `json:"max_attempts"`
	ScheduledAt     time.Time `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorKind   string    `json:"last_error_kind,omitempty"`
	Owner           string    `json:"owner,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
}

// RemainingRetries is how many more attempts the job gets before dead-lettering.
// After an authentication or session failure only the one refresh retry is left.
func (j *Job) RemainingRetries() int {
	if j.State.Terminal() {
		return 0
	}
	r := j.MaxAttempts - j.Attempts
	if r < 0 {
		return 0
	}
	if r > 1 && recovery.FailureKind(j.LastErrorKind).RetriesOnce() {
		return 1
	}
	return r
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// Decision is the outcome of settling a failed attempt.
type Decision string

const (
	DecisionRetry      Decision = "retry"
	DecisionDeadLetter Decision = "dead_letter"
)

// Counts holds per-state job counts for one platform.
type Counts map[State]int64

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrStateConflict = errors.New("job state conflict")
	ErrNotOwner      = errors.New("job is owned by another worker")
)

// Transition describes an atomic compare-and-swap on a job's state.
// The store applies it only when the current state is one of From and, if
// ExpectedOwner is set, the job is owned by that worker.
type Transition struct {
	From          []State
	To            State
	ExpectedOwner string

	// RunAt is the score for StateScheduled; ignored otherwise.
	RunAt time.Time
	Now   time.Time

	IncrementAttempts bool
	ResetAttempts     bool
	// ClearError wipes LastError/LastErrorKind (manual retry).
	ClearError    bool
	LastError     string
	LastErrorKind string

	// HonorCancel settles the job as failed/cancelled instead of To when a
	// cancel was requested while it was processing.
	HonorCancel bool
}

// Store is the durable job store. Every method that moves a job between
// states is atomic; an unreachable backend yields an error matching
// pkgError.ErrStoreUnavailable.
type Store interface {
	// Insert stores a new job in StateQueued or StateScheduled.
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim atomically pops the head of the platform's ready queue and
	// moves it to processing under owner. Returns (nil, nil) when empty.
	Claim(ctx context.Context, platform, owner string, now time.Time) (*Job, error)
	Apply(ctx context.Context, id string, t Transition) (*Job, error)
	// RequestCancel flags a processing job; returns false when the job is not processing.
	RequestCancel(ctx context.Context, id string) (bool, error)
	// PromoteDue moves scheduled jobs whose time has come into the ready queue,
	// oldest first. Returns the number promoted.
	PromoteDue(ctx context.Context, platform string, now time.Time, limit int) (int, error)
	// StaleProcessing lists processing job IDs claimed before cutoff.
	StaleProcessing(ctx context.Context, platform string, cutoff time.Time) ([]string, error)
	// NextScheduled returns the earliest scheduled time for platform (zero when none).
	NextScheduled(ctx context.Context, platform string) (time.Time, error)
	Counts(ctx context.Context, platform string) (Counts, error)
	// List returns job IDs of platform in state, most recent last, up to limit.
	List(ctx context.Context, platform string, state State, limit int) ([]string, error)
}

// EventType names job lifecycle events surfaced to observers.
type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventClaimed      EventType = "claimed"
	EventCompleted    EventType = "completed"
	EventRetrying     EventType = "retrying"
	EventDeadLettered EventType = "dead_lettered"
	EventDeferred     EventType = "deferred"
	EventCancelled    EventType = "cancelled"
	EventPromoted     EventType = "promoted"
)

// Event is a job lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	Job       Job       `json:"job"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives job events. Implementations must not block.
type Observer interface {
	OnJobEvent(Event)
}
