package model

import "time"

// SnapshotHold is a pin placed by a job on one snapshot of one dataset.
type SnapshotHold struct {
	Job       string    `json:"job"`
	Dataset   string    `json:"dataset"`
	Snapshot  string    `json:"snapshot"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// FullSnapshot returns the dataset@snapshot form used by the filesystem tools.
func (h SnapshotHold) FullSnapshot() string {
	return h.Dataset + "@" + h.Snapshot
}
