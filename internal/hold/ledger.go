package hold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edvin/snapbackup/internal/fsutil"
	"github.com/edvin/snapbackup/internal/model"
)

// Ledger persists the holds each job has placed, one JSON file per job, so
// a run that dies between place and release leaves evidence behind.
type Ledger struct {
	dir string
	mu  sync.Mutex
}

// NewLedger creates a ledger rooted at dir.
func NewLedger(dir string) *Ledger {
	return &Ledger{dir: dir}
}

func (l *Ledger) path(job string) string {
	return filepath.Join(l.dir, job+".json")
}

// Load returns the recorded holds of job.
func (l *Ledger) Load(job string) ([]model.SnapshotHold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(job)
}

func (l *Ledger) load(job string) ([]model.SnapshotHold, error) {
	var holds []model.SnapshotHold
	if _, err := fsutil.ReadJSON(l.path(job), &holds); err != nil {
		return nil, fmt.Errorf("load hold ledger for %s: %w", job, err)
	}
	return holds, nil
}

func (l *Ledger) store(job string, holds []model.SnapshotHold) error {
	if len(holds) == 0 {
		if err := os.Remove(l.path(job)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove hold ledger for %s: %w", job, err)
		}
		return nil
	}
	return fsutil.WriteJSONAtomic(l.path(job), holds)
}

// Record adds h, replacing any entry with the same dataset and tag.
func (l *Ledger) Record(h model.SnapshotHold) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	holds, err := l.load(h.Job)
	if err != nil {
		return err
	}
	out := holds[:0]
	for _, existing := range holds {
		if existing.Dataset == h.Dataset && existing.Tag == h.Tag {
			continue
		}
		out = append(out, existing)
	}
	return l.store(h.Job, append(out, h))
}

// Forget removes the entry for the given snapshot and tag.
func (l *Ledger) Forget(job, fullSnapshot, tag string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	holds, err := l.load(job)
	if err != nil {
		return err
	}
	out := holds[:0]
	for _, existing := range holds {
		if existing.FullSnapshot() == fullSnapshot && existing.Tag == tag {
			continue
		}
		out = append(out, existing)
	}
	return l.store(job, out)
}

// Jobs lists the jobs that currently have ledger entries.
func (l *Ledger) Jobs() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hold ledger directory: %w", err)
	}
	var jobs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		jobs = append(jobs, strings.TrimSuffix(name, ".json"))
	}
	return jobs, nil
}
