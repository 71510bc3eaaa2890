package model

import "time"

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const CategoryUnknown = "unknown"

// ErrorClassification is derived from a LogEvent and the current rule table.
// It is never treated as authoritative state.
type ErrorClassification struct {
	Timestamp  time.Time `json:"timestamp"`
	Event      string    `json:"event"`
	Subject    string    `json:"subject"`
	Category   string    `json:"category"`
	Severity   string    `json:"severity"`
	Actionable bool      `json:"actionable"`
	Retryable  bool      `json:"retryable"`
	Message    string    `json:"message,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
}

// Rule maps an error message pattern to a classification. Rules are
// evaluated in order and the last match wins.
type Rule struct {
	Pattern    string
	Category   string
	Severity   string
	Actionable bool
	Retryable  bool
}
