// Package status renders the operator views: last result per job and
// repository from the event logs, and snapshot listings straight from restic.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	"github.com/edvin/snapbackup/internal/eventlog"
	"github.com/edvin/snapbackup/internal/model"
)

// StaleAfter marks a job whose last success is older than this as STALE.
const StaleAfter = 26 * time.Hour

// Row states.
const (
	StateOK      = "OK"
	StateFailed  = "FAILED"
	StateStale   = "STALE"
	StateRunning = "RUNNING"
	StateNever   = "NEVER"
)

// Target describes one thing to report on.
type Target struct {
	Kind       string // backup, verification, restore-test
	Subject    string
	Repository model.Repository
	// Timeout bounds a run. A start event older than this with no outcome
	// means the run died; zero falls back to StaleAfter.
	Timeout time.Duration
}

// Row is the status of one target.
type Row struct {
	Kind                string    `json:"kind"`
	Subject             string    `json:"subject"`
	Repository          string    `json:"repository"`
	RepositoryName      string    `json:"repository_name"`
	RepositoryLocation  string    `json:"repository_location"`
	State               string    `json:"state"`
	Details             string    `json:"details,omitempty"`
	LastRun             time.Time `json:"last_run,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastDurationSeconds float64   `json:"last_duration_seconds"`
	LastError           string    `json:"last_error,omitempty"`
}

type key struct{ kind, subject string }

type history struct {
	last        model.LogEvent
	lastFinish  model.LogEvent
	lastSuccess time.Time
}

func kindOf(event string) string {
	switch {
	case strings.HasPrefix(event, "backup_"):
		return "backup"
	case strings.HasPrefix(event, "verification_"):
		return "verification"
	case strings.HasPrefix(event, "restore_test_"):
		return "restore-test"
	}
	return ""
}

// Collect builds one row per target from the event logs in logDir.
func Collect(logDir string, targets []Target, now time.Time) ([]Row, error) {
	seen := make(map[key]*history)
	_, err := eventlog.Scan(logDir, time.Time{}, func(ev model.LogEvent) {
		k := key{kindOf(ev.Event), ev.Subject()}
		h := seen[k]
		if h == nil {
			h = &history{}
			seen[k] = h
		}
		if !ev.Timestamp.Before(h.last.Timestamp) {
			h.last = ev
		}
		if ev.Status == model.StatusStarted {
			return
		}
		if !ev.Timestamp.Before(h.lastFinish.Timestamp) {
			h.lastFinish = ev
		}
		if ev.Status == model.StatusSuccess && ev.Timestamp.After(h.lastSuccess) {
			h.lastSuccess = ev.Timestamp
		}
	})
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(targets))
	for _, t := range targets {
		row := Row{
			Kind:               t.Kind,
			Subject:            t.Subject,
			Repository:         t.Repository.Name,
			RepositoryName:     t.Repository.DisplayName(),
			RepositoryLocation: t.Repository.Location(),
		}
		h, ok := seen[key{t.Kind, t.Subject}]
		if !ok {
			row.State, row.Details = StateNever, "No runs recorded"
			rows = append(rows, row)
			continue
		}
		row.LastRun = h.last.Timestamp
		row.LastSuccess = h.lastSuccess
		row.LastDurationSeconds = h.lastFinish.DurationSeconds
		row.LastError = h.lastFinish.ErrorMessage

		switch {
		case h.last.Status == model.StatusStarted && now.Sub(h.last.Timestamp) > runTimeout(t):
			row.State, row.Details = StateFailed, "Run started "+humanize.RelTime(h.last.Timestamp, now, "ago", "from now")+" never finished"
			row.LastError = ""
		case h.last.Status == model.StatusStarted:
			row.State, row.Details = StateRunning, "In progress"
		case h.lastFinish.IsFailure():
			row.State, row.Details = StateFailed, "Last run failed"
		case now.Sub(h.lastSuccess) > StaleAfter:
			row.State, row.Details = StateStale, fmt.Sprintf("Last success > %dh ago", int(StaleAfter.Hours()))
		default:
			row.State, row.Details = StateOK, "Healthy"
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Subject < rows[j].Subject
	})
	return rows, nil
}

func runTimeout(t Target) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return StaleAfter
}

// WriteJSON writes rows as an indented JSON array.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteTable renders rows for a terminal.
func WriteTable(w io.Writer, rows []Row, now time.Time) error {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true

	table.AddRow("TYPE", "NAME", "TARGET", "STATUS", "LAST SUCCESS", "DURATION", "DETAILS")
	failed, stale := 0, 0
	for _, r := range rows {
		lastSuccess := "never"
		if !r.LastSuccess.IsZero() {
			lastSuccess = humanize.RelTime(r.LastSuccess, now, "ago", "from now")
		}
		details := r.Details
		if r.State == StateFailed && r.LastError != "" {
			details = lastLine(r.LastError)
		}
		table.AddRow(r.Kind, r.Subject, fmt.Sprintf("%s (%s)", r.RepositoryName, r.RepositoryLocation),
			r.State, lastSuccess, formatDuration(r.LastDurationSeconds), details)

		switch r.State {
		case StateFailed:
			failed++
		case StateStale:
			stale++
		}
	}

	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d targets, %d failed, %d stale (stale threshold: %d hours)\n",
		len(rows), failed, stale, int(StaleAfter.Hours()))
	return err
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Second).String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
