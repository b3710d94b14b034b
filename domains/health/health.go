package health

import (
	"context"
	"time"

	"github.com/AzielCF/az-publisher/domains/performance"
	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/domains/session"
)

type Status string

const (
	StatusOk       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusError    Status = "ERROR"
	StatusUnknown  Status = "UNKNOWN"
)

// PlatformHealth aggregates everything known about one platform.
type PlatformHealth struct {
	Platform        string                   `json:"platform"`
	Status          Status                   `json:"status"`
	AdapterAlive    bool                     `json:"adapter_alive"`
	Capabilities    map[string]bool          `json:"capabilities,omitempty"`
	LastMessage     string                   `json:"last_message,omitempty"`
	LastChecked     time.Time                `json:"last_checked"`
	LastSuccess     *time.Time               `json:"last_success,omitempty"`
	Breaker         recovery.BreakerSnapshot `json:"breaker"`
	Performance     performance.Summary      `json:"performance"`
	Queue           queue.Counts             `json:"queue,omitempty"`
	Sessions        []session.Record         `json:"sessions,omitempty"`
	ActiveIncidents int                      `json:"active_incidents"`
	Throttled       bool                     `json:"throttled"`
}

type IHealthUsecase interface {
	CheckPlatform(ctx context.Context, platform string) (PlatformHealth, error)
	CheckAll(ctx context.Context) ([]PlatformHealth, error)
	StartPeriodicChecks(ctx context.Context)
}
