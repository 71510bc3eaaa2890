package zfs

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrAmbiguousMountpoint means two datasets claim the same mountpoint. A real
// mount tree cannot produce this, so it is reported rather than resolved.
var ErrAmbiguousMountpoint = errors.New("multiple datasets share a mountpoint")

// MountTable is an immutable snapshot of the dataset/mountpoint pairs.
// Read it once per run so resolution cannot race with mount changes.
type MountTable struct {
	datasets []Dataset
}

// NewMountTable builds a table from datasets, dropping entries that are not
// mounted at a path (none, legacy, -).
func NewMountTable(datasets []Dataset) *MountTable {
	t := &MountTable{}
	for _, ds := range datasets {
		if !strings.HasPrefix(ds.Mountpoint, "/") {
			continue
		}
		t.datasets = append(t.datasets, Dataset{Name: ds.Name, Mountpoint: path.Clean(ds.Mountpoint)})
	}
	return t
}

// Len returns the number of mounted datasets in the table.
func (t *MountTable) Len() int { return len(t.datasets) }

// Resolve returns the dataset whose mountpoint is the longest prefix of p on
// a path-component boundary. ok is false when no dataset owns p.
func (t *MountTable) Resolve(p string) (ds Dataset, ok bool, err error) {
	p = path.Clean(p)

	best := -1
	var candidates []Dataset
	for _, d := range t.datasets {
		if !owns(d.Mountpoint, p) {
			continue
		}
		switch n := len(d.Mountpoint); {
		case n > best:
			best = n
			candidates = []Dataset{d}
		case n == best:
			candidates = append(candidates, d)
		}
	}

	switch len(candidates) {
	case 0:
		return Dataset{}, false, nil
	case 1:
		return candidates[0], true, nil
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return Dataset{}, false, fmt.Errorf("%w: %s claimed by %s", ErrAmbiguousMountpoint,
		candidates[0].Mountpoint, strings.Join(names, ", "))
}

func owns(mountpoint, p string) bool {
	if mountpoint == "/" || mountpoint == p {
		return true
	}
	return strings.HasPrefix(p, mountpoint+"/")
}

// SnapshotPath translates a live path inside ds into the equivalent path in
// the read-only view of snapshot under <mountpoint>/.zfs/snapshot/<name>.
func SnapshotPath(ds Dataset, snapshot, p string) string {
	rel := strings.TrimPrefix(path.Clean(p), ds.Mountpoint)
	return path.Join(ds.Mountpoint, ".zfs", "snapshot", snapshot, rel)
}
