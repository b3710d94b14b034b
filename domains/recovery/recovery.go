package recovery

import (
	"context"
	"time"
)

// FailureKind is the classified cause of a failed platform call.
type FailureKind string

const (
	KindConnectionTimeout FailureKind = "connection_timeout"
	KindNetworkError      FailureKind = "network_error"
	KindAuthentication    FailureKind = "authentication_failed"
	KindRateLimit         FailureKind = "rate_limit_exceeded"
	KindSessionExpired    FailureKind = "session_expired"
	KindValidation        FailureKind = "validation_error"
	KindServerError       FailureKind = "server_error"
	KindUnknown           FailureKind = "unknown"
)

// AllKinds is the taxonomy in display order.
var AllKinds = []FailureKind{
	KindConnectionTimeout, KindNetworkError, KindAuthentication, KindRateLimit,
	KindSessionExpired, KindValidation, KindServerError, KindUnknown,
}

// Retryable reports whether a job failing with k may be retried automatically.
// Authentication and session failures get a single retry after a session refresh;
// that limit is enforced by the queue manager.
func (k FailureKind) Retryable() bool {
	return k != KindValidation
}

// RetriesOnce reports kinds that get a single retry after a session refresh.
func (k FailureKind) RetriesOnce() bool {
	return k == KindAuthentication || k == KindSessionExpired
}

// CountsTowardBreaker reports whether k says something about platform health.
// A malformed payload does not.
func (k FailureKind) CountsTowardBreaker() bool {
	return k != KindValidation
}

// ClassifiedFailure is the data-driven result of classifying a failed attempt.
type ClassifiedFailure struct {
	Kind       FailureKind   `json:"kind"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
	Code       string        `json:"code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Report is one failure delivered to the recovery system.
type Report struct {
	Platform      string
	Account       string
	JobID         string
	PublicationID string
	Failure       ClassifiedFailure
	// Decision is the queue outcome for the job ("retry", "dead_letter") or
	// empty for reports not tied to a job attempt.
	Decision string
	Attempts int
	// Proactive marks reports raised by monitors before any real call failed.
	Proactive bool
	At        time.Time
}

type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentRecovering IncidentStatus = "recovering"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentFailed     IncidentStatus = "failed"
)

// Active reports whether the incident still needs work.
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentRecovering
}

// Action is a recovery step.
type Action string

const (
	ActionRetryWithBackoff Action = "retry_with_backoff"
	ActionProbeHealth      Action = "probe_health"
	ActionRefreshSession   Action = "refresh_session"
	ActionWaitForRateLimit Action = "wait_for_rate_limit"
	ActionEscalate         Action = "escalate_to_dead_letter"
)

// ActionOutcome is one recorded execution of an action.
type ActionOutcome struct {
	Action    Action    `json:"action"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Incident tracks a platform failure and the recovery attempts made for it.
type Incident struct {
	ID            string          `json:"id"`
	Platform      string          `json:"platform"`
	Account       string          `json:"account,omitempty"`
	Kind          FailureKind     `json:"kind"`
	Status        IncidentStatus  `json:"status"`
	FirstSeen     time.Time       `json:"first_seen"`
	LastSeen      time.Time       `json:"last_seen"`
	Occurrences   int             `json:"occurrences"`
	Attempts      int             `json:"attempts"`
	ActionIndex   int             `json:"action_index"`
	ActionTries   int             `json:"action_tries"`
	CurrentAction Action          `json:"current_action,omitempty"`
	NextCheckAt   time.Time       `json:"next_check_at,omitempty"`
	LastMessage   string          `json:"last_message,omitempty"`
	LastJobID     string          `json:"last_job_id,omitempty"`
	DeadLettered  int             `json:"dead_lettered"`
	Proactive     bool            `json:"proactive,omitempty"`
	History       []ActionOutcome `json:"history,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	if i.History != nil {
		c.History = make([]ActionOutcome, len(i.History))
		copy(c.History, i.History)
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// BreakerState mirrors pkg/breaker states for persistence and views.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerSnapshot is the persisted/visible state of one platform breaker.
type BreakerSnapshot struct {
	Platform            string        `json:"platform"`
	State               BreakerState  `json:"state"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown"`
	Level               int           `json:"level"`
	LastTransition      time.Time     `json:"last_transition,omitempty"`
}

// DispatchDecision answers "can I call this platform now?".
type DispatchDecision struct {
	Allowed bool          `json:"allowed"`
	State   BreakerState  `json:"state"`
	RetryIn time.Duration `json:"retry_in"`
	// Probe is true when this call is the single half-open probe.
	Probe bool `json:"probe"`
}

// IncidentFilter narrows incident listings. Zero values match everything.
type IncidentFilter struct {
	Platform string
	Status   IncidentStatus
	Limit    int
}

// IncidentStore persists incidents keyed by {platform}:{incident_id}.
type IncidentStore interface {
	Save(ctx context.Context, incident *Incident) error
	Get(ctx context.Context, platform, id string) (*Incident, error)
	List(ctx context.Context, filter IncidentFilter) ([]*Incident, error)
}

// StateStore persists per-platform breaker snapshots.
type StateStore interface {
	SaveBreaker(ctx context.Context, snap BreakerSnapshot) error
	LoadBreakers(ctx context.Context) ([]BreakerSnapshot, error)
}

// Notifier surfaces incidents that need a human (escalations, exhausted recovery).
type Notifier interface {
	NotifyIncident(ctx context.Context, incident *Incident) error
}

// TriggerAction names a manual override.
type TriggerAction string

const (
	TriggerResetBreaker   TriggerAction = "reset_breaker"
	TriggerForceOpen      TriggerAction = "force_open"
	TriggerProbe          TriggerAction = "probe"
	TriggerRefreshSession TriggerAction = "refresh_session"
	TriggerRetryIncident  TriggerAction = "retry_incident"
	TriggerResolve        TriggerAction = "resolve_incident"
)

// TriggerRequest is the body of a manual recovery trigger.
type TriggerRequest struct {
	Action     TriggerAction `json:"action"`
	Platform   string        `json:"platform"`
	Account    string        `json:"account,omitempty"`
	IncidentID string        `json:"incident_id,omitempty"`
}

// TriggerResult reports what a manual trigger did.
type TriggerResult struct {
	Action   TriggerAction    `json:"action"`
	Platform string           `json:"platform"`
	Success  bool             `json:"success"`
	Detail   string           `json:"detail,omitempty"`
	Breaker  *BreakerSnapshot `json:"breaker,omitempty"`
	Incident *Incident        `json:"incident,omitempty"`
}

// PlatformStatus is the recovery view of one platform.
type PlatformStatus struct {
	Platform        string          `json:"platform"`
	Breaker         BreakerSnapshot `json:"breaker"`
	ActiveIncidents int             `json:"active_incidents"`
	OpenedFor       string          `json:"opened_for,omitempty"`
}

// Status is the body of GET /recovery/status.
type Status struct {
	Platforms []PlatformStatus         `json:"platforms"`
	Catalog   map[FailureKind][]Action `json:"catalog"`
	Kinds     []FailureKind            `json:"kinds"`
}

// IRecoveryUsecase is the contract the worker, queue and facade use.
type IRecoveryUsecase interface {
	ReportFailure(ctx context.Context, report Report) (*Incident, error)
	ReportSuccess(ctx context.Context, platform string)
	CanDispatch(platform string) DispatchDecision
	Incidents(ctx context.Context, filter IncidentFilter) ([]*Incident, error)
	Status(ctx context.Context) Status
	Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error)
}
