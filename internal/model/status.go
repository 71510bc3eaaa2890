package model

// Run status constants, as written to the event log.
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusFailure = "failure"
)
