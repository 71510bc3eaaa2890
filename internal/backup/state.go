package backup

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/edvin/snapbackup/internal/fsutil"
	"github.com/edvin/snapbackup/internal/model"
)

// State is what a job remembers between runs. Metric files are regenerated
// on every write, so last-success and last-failure times live here.
type State struct {
	LastRunID   string      `json:"last_run_id,omitempty"`
	LastStatus  string      `json:"last_status,omitempty"`
	LastSuccess time.Time   `json:"last_success,omitzero"`
	LastFailure time.Time   `json:"last_failure,omitzero"`
	Failures    []time.Time `json:"failures,omitempty"`
}

// RecentFailures counts failures inside the rolling window ending at now.
func (s State) RecentFailures(window time.Duration, now time.Time) int {
	n := 0
	for _, f := range s.Failures {
		if now.Sub(f) < window {
			n++
		}
	}
	return n
}

// BudgetExhausted reports whether the job used up its restart budget.
func (s State) BudgetExhausted(b model.RestartBudget, now time.Time) bool {
	if b.Attempts <= 0 {
		return false
	}
	return s.RecentFailures(b.Window, now) >= b.Attempts
}

func (s *State) recordSuccess(runID string, now time.Time) {
	s.LastRunID = runID
	s.LastStatus = model.StatusSuccess
	s.LastSuccess = now
	s.Failures = nil
}

func (s *State) recordFailure(runID string, now time.Time, window time.Duration) {
	s.LastRunID = runID
	s.LastStatus = model.StatusFailure
	s.LastFailure = now

	kept := s.Failures[:0]
	for _, f := range s.Failures {
		if now.Sub(f) < window {
			kept = append(kept, f)
		}
	}
	s.Failures = append(kept, now)
}

// StateStore persists State per job under <stateDir>/jobs.
type StateStore struct {
	dir string
}

func NewStateStore(stateDir string) *StateStore {
	return &StateStore{dir: filepath.Join(stateDir, "jobs")}
}

func (s *StateStore) path(job string) string {
	return filepath.Join(s.dir, job+".json")
}

// Load returns the job's state; a job that never ran has the zero State.
func (s *StateStore) Load(job string) (State, error) {
	var st State
	if _, err := fsutil.ReadJSON(s.path(job), &st); err != nil {
		return State{}, fmt.Errorf("load state of job %s: %w", job, err)
	}
	return st, nil
}

func (s *StateStore) Save(job string, st State) error {
	if err := fsutil.WriteJSONAtomic(s.path(job), st); err != nil {
		return fmt.Errorf("save state of job %s: %w", job, err)
	}
	return nil
}
