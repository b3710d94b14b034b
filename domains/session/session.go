package session

import (
	"context"
	"time"
)

// Record tracks the liveness of one browser-backed (platform, account) session.
type Record struct {
	Platform            string     `json:"platform"`
	Account             string     `json:"account"`
	Valid               bool       `json:"valid"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	LastChecked         time.Time  `json:"last_checked"`
	HealthScore         int        `json:"health_score"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastRefresh         *time.Time `json:"last_refresh,omitempty"`
}

// Key is the registry key of a session.
func Key(platform, account string) string {
	return platform + ":" + account
}

// ISessionMonitor is what the worker and recovery need from the session monitor.
type ISessionMonitor interface {
	Usable(platform, account string) (bool, string)
	Refresh(ctx context.Context, platform, account string) error
	Check(ctx context.Context, platform, account string) (Record, error)
	Records() []Record
}
