package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/eventlog"
	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/restic"
)

var now = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

var local = model.Repository{Name: "local", URL: "/mnt/nas-backup/restic"}

func writeEvents(t *testing.T, evs ...model.LogEvent) string {
	t.Helper()
	dir := t.TempDir()
	w := eventlog.NewWriter(dir, "nas01", nil)
	for _, ev := range evs {
		stream := eventlog.StreamBackup
		if ev.Repository != "" && ev.JobName == "" {
			stream = eventlog.StreamVerification
		}
		require.NoError(t, w.Append(stream, ev))
	}
	return dir
}

func TestCollect_States(t *testing.T) {
	dir := writeEvents(t,
		model.LogEvent{Timestamp: now.Add(-2 * time.Hour), Event: model.EventBackupStart, JobName: "db", Status: model.StatusStarted},
		model.LogEvent{Timestamp: now.Add(-time.Hour), Event: model.EventBackupComplete, JobName: "db", Status: model.StatusSuccess, DurationSeconds: 3600},
		model.LogEvent{Timestamp: now.Add(-30 * time.Hour), Event: model.EventBackupComplete, JobName: "media", Status: model.StatusSuccess},
		model.LogEvent{Timestamp: now.Add(-time.Hour), Event: model.EventBackupFailure, JobName: "photos", Status: model.StatusFailure, ErrorMessage: "line one\nFatal: repository is already locked"},
		model.LogEvent{Timestamp: now.Add(-5 * time.Minute), Event: model.EventBackupStart, JobName: "archive", Status: model.StatusStarted},
		model.LogEvent{Timestamp: now.Add(-20 * time.Hour), Event: model.EventBackupComplete, JobName: "mail", Status: model.StatusSuccess},
		model.LogEvent{Timestamp: now.Add(-14 * time.Hour), Event: model.EventBackupStart, JobName: "mail", Status: model.StatusStarted},
		model.LogEvent{Timestamp: now.Add(-3 * time.Hour), Event: model.EventVerificationComplete, Repository: "local", Status: model.StatusSuccess},
	)

	rows, err := Collect(dir, []Target{
		{Kind: "backup", Subject: "db", Repository: local},
		{Kind: "backup", Subject: "media", Repository: local},
		{Kind: "backup", Subject: "photos", Repository: local},
		{Kind: "backup", Subject: "archive", Repository: local},
		{Kind: "backup", Subject: "mail", Repository: local, Timeout: 12 * time.Hour},
		{Kind: "backup", Subject: "fresh", Repository: local},
		{Kind: "verification", Subject: "local", Repository: local},
	}, now)
	require.NoError(t, err)

	states := map[string]string{}
	for _, r := range rows {
		states[r.Kind+"/"+r.Subject] = r.State
	}
	assert.Equal(t, map[string]string{
		"backup/db":          StateOK,
		"backup/media":       StateStale,
		"backup/photos":      StateFailed,
		"backup/archive":     StateRunning,
		"backup/mail":        StateFailed,
		"backup/fresh":       StateNever,
		"verification/local": StateOK,
	}, states)

	assert.Equal(t, "backup", rows[0].Kind)
	assert.Equal(t, "archive", rows[0].Subject)
	assert.Equal(t, "nas-backup", rows[0].RepositoryName)

	for _, r := range rows {
		if r.Subject == "mail" {
			assert.Equal(t, "Run started 14 hours ago never finished", r.Details)
		}
	}
}

func TestWriteTable(t *testing.T) {
	dir := writeEvents(t,
		model.LogEvent{Timestamp: now.Add(-time.Hour), Event: model.EventBackupFailure, JobName: "photos", Status: model.StatusFailure, DurationSeconds: 12, ErrorMessage: "line one\nFatal: repository is already locked"},
	)
	rows, err := Collect(dir, []Target{{Kind: "backup", Subject: "photos", Repository: local}}, now)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, rows, now))
	out := buf.String()
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "Fatal: repository is already locked")
	assert.Contains(t, out, "nas-backup (local)")
	assert.Contains(t, out, "12s")
	assert.Contains(t, out, "1 targets, 1 failed, 0 stale")
}

func TestWriteJSON(t *testing.T) {
	rows := []Row{{Kind: "backup", Subject: "db", State: StateOK, LastSuccess: now}}
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, rows))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "OK", decoded[0]["state"])
	assert.NotContains(t, decoded[0], "last_run")
}

type fakeLister struct {
	snaps []restic.Snapshot
	err   error
	tags  []string
}

func (f *fakeLister) Snapshots(_ context.Context, _ model.Repository, tags []string, _ int) ([]restic.Snapshot, error) {
	f.tags = tags
	return f.snaps, f.err
}

func TestListSnapshots(t *testing.T) {
	lister := &fakeLister{snaps: []restic.Snapshot{{
		ID: "abcdef1234", ShortID: "abcdef12", Time: now.Add(-2 * time.Hour), Hostname: "nas01",
		Paths:   []string{"/var/lib/db/.zfs/snapshot/2024-01-03"},
		Summary: &restic.SnapshotSummary{TotalFilesProcessed: 1234, TotalBytesProcessed: 5 << 30},
	}}}

	l := ListSnapshots(context.Background(), lister, model.BackupJob{Name: "db"}, local, 5)
	assert.True(t, l.Verified)
	assert.Equal(t, []string{"db"}, lister.tags)

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshots(&buf, []Listing{l}, now))
	out := buf.String()
	assert.Contains(t, out, "db -> nas-backup")
	assert.Contains(t, out, "abcdef12")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "5.0 GiB")
	assert.Contains(t, out, "2 hours ago")
}

func TestListSnapshots_ErrorIsReported(t *testing.T) {
	lister := &fakeLister{err: errors.New("Fatal: wrong password")}
	l := ListSnapshots(context.Background(), lister, model.BackupJob{Name: "db"}, local, 0)
	assert.False(t, l.Verified)
	assert.Contains(t, l.Error, "wrong password")

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshots(&buf, []Listing{l}, now))
	assert.Contains(t, buf.String(), "error: Fatal: wrong password")
}
