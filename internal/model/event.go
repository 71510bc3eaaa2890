package model

import "time"

type LogEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	Event           string    `json:"event"`
	JobName         string    `json:"job_name,omitempty"`
	Repository      string    `json:"repository,omitempty"`
	Status          string    `json:"status"`
	DurationSeconds float64   `json:"duration_seconds"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Hostname        string    `json:"hostname"`
	RunID           string    `json:"run_id,omitempty"`
}

const (
	EventBackupStart          = "backup_start"
	EventBackupComplete       = "backup_complete"
	EventBackupFailure        = "backup_failure"
	EventVerificationStart    = "verification_start"
	EventVerificationComplete = "verification_complete"
	EventVerificationFailure  = "verification_failure"
	EventRestoreTestStart     = "restore_test_start"
	EventRestoreTestComplete  = "restore_test_complete"
	EventRestoreTestFailure   = "restore_test_failure"
)

// Subject returns the job name, or the repository for events that are
// scoped to a repository rather than a job.
func (e LogEvent) Subject() string {
	if e.JobName != "" {
		return e.JobName
	}
	return e.Repository
}

// IsFailure reports whether the event records a failed or otherwise
// unsuccessful completion.
func (e LogEvent) IsFailure() bool {
	switch e.Status {
	case StatusFailure:
		return true
	case StatusSuccess, StatusStarted:
		return false
	}
	switch e.Event {
	case EventBackupComplete, EventVerificationComplete, EventRestoreTestComplete:
		return true
	}
	return false
}
