package adapter

import (
	"context"
	"errors"
	"time"
)

// Outcome is the coarse result of one publish call.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomePlatformError Outcome = "platform_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeNetworkError  Outcome = "network_error"
)

// PublishRequest is the normalized payload sent to POST /publish.
type PublishRequest struct {
	JobID         string `json:"job_id"`
	PublicationID string `json:"publication_id"`
	Platform      string `json:"platform"`
	Account       string `json:"account,omitempty"`
	Topic         string `json:"topic,omitempty"`
	ContentRef    string `json:"content_ref"`
	Attempt       int    `json:"attempt"`
}

// Result is the explicit outcome of a publish call. Adapters never return an
// error for a failed publish; failures travel in Result.
type Result struct {
	Outcome        Outcome       `json:"outcome"`
	PlatformPostID string        `json:"platform_post_id,omitempty"`
	StatusCode     int           `json:"status_code,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	Message        string        `json:"message,omitempty"`
	RetryAfter     time.Duration `json:"retry_after,omitempty"`
	Latency        time.Duration `json:"latency"`
	// Err is the transport error behind a network or timeout outcome.
	Err error `json:"-"`
}

func (r Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}

// SessionInfo is optional session data reported by browser-backed adapters.
type SessionInfo struct {
	Account   string     `json:"account"`
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HealthReport is the body of an adapter's GET /health.
type HealthReport struct {
	Alive        bool            `json:"alive"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Sessions     []SessionInfo   `json:"sessions,omitempty"`
	Message      string          `json:"message,omitempty"`
	Latency      time.Duration   `json:"latency"`
}

// Session returns the reported session for account, if any.
func (h HealthReport) Session(account string) (SessionInfo, bool) {
	for _, s := range h.Sessions {
		if s.Account == account {
			return s, true
		}
	}
	return SessionInfo{}, false
}

// ErrRefreshUnsupported is returned when the adapter has no session refresh endpoint.
var ErrRefreshUnsupported = errors.New("session refresh not supported")

// Adapter is the capability boundary of one platform.
type Adapter interface {
	Platform() string
	Health(ctx context.Context) (HealthReport, error)
	Publish(ctx context.Context, req PublishRequest) Result
	RefreshSession(ctx context.Context, account string) error
}

// Registry resolves adapters by platform name.
type Registry interface {
	Get(platform string) (Adapter, bool)
	Platforms() []string
}
