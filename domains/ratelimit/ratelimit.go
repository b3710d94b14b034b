package ratelimit

import (
	"context"
	"time"
)

type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

var Periods = []Period{PeriodHour, PeriodDay, PeriodMonth}

// Limits holds per-period thresholds. Zero means unlimited.
type Limits struct {
	Hour  int64 `json:"hour" mapstructure:"hour"`
	Day   int64 `json:"day" mapstructure:"day"`
	Month int64 `json:"month" mapstructure:"month"`
}

func (l Limits) For(p Period) int64 {
	switch p {
	case PeriodHour:
		return l.Hour
	case PeriodDay:
		return l.Day
	case PeriodMonth:
		return l.Month
	}
	return 0
}

type Recommendation string

const (
	RecommendOK       Recommendation = "ok"
	RecommendWarning  Recommendation = "warning"
	RecommendThrottle Recommendation = "throttle"
)

// WindowStatus is the usage of one period window.
type WindowStatus struct {
	Period     Period        `json:"period"`
	Used       int64         `json:"used"`
	Limit      int64         `json:"limit"`
	Percentage float64       `json:"percentage"`
	ResetIn    time.Duration `json:"reset_in,omitempty"`
}

// PlatformStatus is the body item of GET /rate-limits/status.
type PlatformStatus struct {
	Platform       string           `json:"platform"`
	Windows        []WindowStatus   `json:"windows"`
	ByKind         map[string]int64 `json:"by_kind,omitempty"`
	PenaltyUntil   *time.Time       `json:"penalty_until,omitempty"`
	Throttled      bool             `json:"throttled"`
	Wait           time.Duration    `json:"wait"`
	Recommendation Recommendation   `json:"recommendation"`
}

// Snapshot is the persisted form of one platform's windows.
type Snapshot struct {
	Platform     string                   `json:"platform"`
	Windows      map[Period][]BucketState `json:"windows"`
	ByKind       map[string]int64         `json:"by_kind,omitempty"`
	PenaltyUntil time.Time                `json:"penalty_until,omitempty"`
	SavedAt      time.Time                `json:"saved_at"`
}

// BucketState is one non-empty ring buffer slot.
type BucketState struct {
	Start int64 `json:"start"`
	Count int64 `json:"count"`
}

// SnapshotStore persists rate-limit snapshots keyed by platform.
type SnapshotStore interface {
	SaveRateLimit(ctx context.Context, snap Snapshot) error
	LoadRateLimits(ctx context.Context) ([]Snapshot, error)
}

// Reservation is one admitted request, counted against every window of its
// platform at At.
type Reservation struct {
	Platform string
	Kind     string
	At       time.Time
}

// Gate is what the delegation worker asks before dispatch. Reserve checks the
// limits and counts the request in one step; Release gives back a reservation
// whose request was never sent.
type Gate interface {
	Reserve(platform, kind string) (Reservation, bool, time.Duration)
	Release(r Reservation)
	Penalize(platform string, until time.Time)
}
