// Package zfstest provides an in-memory snapshot filesystem for tests.
package zfstest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/edvin/snapbackup/internal/zfs"
)

// Fake implements zfs.Client in memory with the same error contract as the
// CLI adapter.
type Fake struct {
	mu        sync.Mutex
	clock     clock.Clock
	datasets  []zfs.Dataset
	snapshots map[string][]zfs.Snapshot
	holds     map[string][]zfs.Hold

	// BeforeHold runs before a hold is placed, outside the lock. Tests use it
	// to destroy a snapshot between listing and holding.
	BeforeHold func(tag, snapshot string)
	// AfterHold runs after a hold was placed, outside the lock.
	AfterHold func(tag, snapshot string)
	// ListDatasetsErr forces ListDatasets to fail.
	ListDatasetsErr error
}

// New creates an empty fake. A nil clock uses the wall clock.
func New(clk clock.Clock) *Fake {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Fake{
		clock:     clk,
		snapshots: make(map[string][]zfs.Snapshot),
		holds:     make(map[string][]zfs.Hold),
	}
}

func (f *Fake) AddDataset(name, mountpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets = append(f.datasets, zfs.Dataset{Name: name, Mountpoint: mountpoint})
}

func (f *Fake) AddSnapshot(dataset, name string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[dataset] = append(f.snapshots[dataset], zfs.Snapshot{Dataset: dataset, Name: name, Created: created})
	sort.Slice(f.snapshots[dataset], func(i, j int) bool {
		return f.snapshots[dataset][i].Created.Before(f.snapshots[dataset][j].Created)
	})
}

// DestroySnapshot removes a snapshot regardless of holds.
func (f *Fake) DestroySnapshot(full string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, name, _ := strings.Cut(full, "@")
	snaps := f.snapshots[ds]
	for i, s := range snaps {
		if s.Name == name {
			f.snapshots[ds] = append(snaps[:i], snaps[i+1:]...)
			break
		}
	}
	delete(f.holds, full)
}

// Holds returns the holds on full, for assertions.
func (f *Fake) Holds(full string) []zfs.Hold {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]zfs.Hold(nil), f.holds[full]...)
}

// AllHolds counts every hold on every snapshot.
func (f *Fake) AllHolds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.holds {
		n += len(h)
	}
	return n
}

func (f *Fake) snapshotExists(full string) bool {
	ds, name, ok := strings.Cut(full, "@")
	if !ok {
		return false
	}
	for _, s := range f.snapshots[ds] {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (f *Fake) ListDatasets(context.Context) ([]zfs.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListDatasetsErr != nil {
		return nil, f.ListDatasetsErr
	}
	return append([]zfs.Dataset(nil), f.datasets...), nil
}

func (f *Fake) ListSnapshots(_ context.Context, dataset string) ([]zfs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, ds := range f.datasets {
		if ds.Name == dataset {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("list snapshots of %s: %w", dataset, zfs.ErrDatasetNotFound)
	}
	out := make([]zfs.Snapshot, 0, len(f.snapshots[dataset]))
	for _, s := range f.snapshots[dataset] {
		s.UserRefs = len(f.holds[s.FullName()])
		out = append(out, s)
	}
	return out, nil
}

func (f *Fake) ListHolds(_ context.Context, snapshot string) ([]zfs.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.snapshotExists(snapshot) {
		return nil, fmt.Errorf("list holds on %s: %w", snapshot, zfs.ErrDatasetNotFound)
	}
	return append([]zfs.Hold(nil), f.holds[snapshot]...), nil
}

func (f *Fake) Hold(_ context.Context, tag, snapshot string) error {
	if f.BeforeHold != nil {
		f.BeforeHold(tag, snapshot)
	}

	f.mu.Lock()
	if !f.snapshotExists(snapshot) {
		f.mu.Unlock()
		return fmt.Errorf("hold %s on %s: %w", tag, snapshot, zfs.ErrDatasetNotFound)
	}
	for _, h := range f.holds[snapshot] {
		if h.Tag == tag {
			f.mu.Unlock()
			return fmt.Errorf("hold %s on %s: %w", tag, snapshot, zfs.ErrHoldExists)
		}
	}
	f.holds[snapshot] = append(f.holds[snapshot], zfs.Hold{Snapshot: snapshot, Tag: tag, Created: f.clock.Now()})
	f.mu.Unlock()

	if f.AfterHold != nil {
		f.AfterHold(tag, snapshot)
	}
	return nil
}

func (f *Fake) Release(_ context.Context, tag, snapshot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	holds := f.holds[snapshot]
	for i, h := range holds {
		if h.Tag == tag {
			f.holds[snapshot] = append(holds[:i], holds[i+1:]...)
			if len(f.holds[snapshot]) == 0 {
				delete(f.holds, snapshot)
			}
			return nil
		}
	}
	return fmt.Errorf("release %s on %s: %w", tag, snapshot, zfs.ErrHoldNotFound)
}

var _ zfs.Client = (*Fake)(nil)
