package domain

import "time"

// ScanStatus tracks one scan pass.
type ScanStatus string

const (
	ScanStatusPending             ScanStatus = "pending"
	ScanStatusRunning             ScanStatus = "running"
	ScanStatusCompleted           ScanStatus = "completed"
	ScanStatusCompletedWithErrors ScanStatus = "completed_with_errors"
	ScanStatusFailed              ScanStatus = "failed"
)

// Terminal reports whether the pass has finished.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusCompletedWithErrors, ScanStatusFailed:
		return true
	}
	return false
}

// Scan stages recorded on item failures.
const (
	StageFetch   = "fetch"
	StageResolve = "resolve"
	StageStore   = "store"
	StageExpire  = "expire"
)

// ItemFailure is the structured record of one item that could not be
// processed during a pass.
type ItemFailure struct {
	ItemKey   string    `json:"item_key"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// ScanRun summarises one pass over the catalog.
type ScanRun struct {
	ID                   string        `json:"id"`
	Status               ScanStatus    `json:"status"`
	Trigger              string        `json:"trigger"`               // "schedule", "manual" or "once"
	StartedAt            time.Time     `json:"started_at"`
	FinishedAt           *time.Time    `json:"finished_at,omitempty"`
	ItemsTotal           int           `json:"items_total"`
	ItemsSucceeded       int           `json:"items_succeeded"`
	ItemsFailed          int           `json:"items_failed"`
	ItemsSkipped         int           `json:"items_skipped"`         // benchmark unavailable
	ListingsSeen         int           `json:"listings_seen"`
	OpportunitiesCreated int           `json:"opportunities_created"`
	OpportunitiesUpdated int           `json:"opportunities_updated"`
	OpportunitiesExpired int           `json:"opportunities_expired"`
	Failures             []ItemFailure `json:"failures"`
	Error                string        `json:"error,omitempty"`
}

// Duration returns how long the pass ran, or zero while running.
func (r ScanRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
