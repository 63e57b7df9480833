package model

import "time"

// SyncStatus is the terminal-state machine of a sync run.
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncRunning   SyncStatus = "running"
	SyncComplete  SyncStatus = "complete"
	SyncError     SyncStatus = "error"
	SyncCancelled SyncStatus = "cancelled"
)

// SyncJob is the ephemeral per-user progress record for one sync run. It
// lives in the TTL-backed sync-state store, is overwritten at start, mutated
// additively by every stage, and expires on its own if a crashed worker
// never finalizes it.
type SyncJob struct {
	Status          SyncStatus `json:"status"`
	Step            string     `json:"step"`
	Message         string     `json:"message"`
	TotalEmails     int        `json:"total_emails"`
	Processed       int        `json:"processed"`
	Saved           int        `json:"saved"`
	Skipped         int        `json:"skipped"`
	Failed          int        `json:"failed"`
	DuplicatesFound int        `json:"duplicates_found"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Stale reports whether a running job is old enough to be presumed crashed
// and eligible for restart.
func (j *SyncJob) Stale(threshold time.Duration, now time.Time) bool {
	return now.Sub(j.StartedAt) >= threshold
}
