package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/model"
)

func TestWriter_AppendAndScan(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	w := NewWriter(dir, "forge", testclock.NewClock(now))

	require.NoError(t, w.Append(StreamBackup, model.LogEvent{Event: model.EventBackupStart, JobName: "db", Status: model.StatusStarted}))
	require.NoError(t, w.Append(StreamBackup, model.LogEvent{
		Event: model.EventBackupFailure, JobName: "db", Status: model.StatusFailure,
		ErrorMessage: "disk full", DurationSeconds: 12.5,
	}))
	require.NoError(t, w.Append(StreamVerification, model.LogEvent{Event: model.EventVerificationComplete, Repository: "nas", Status: model.StatusSuccess}))

	var events []model.LogEvent
	res, err := Scan(dir, time.Time{}, func(ev model.LogEvent) { events = append(events, ev) })
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 3, res.Events)
	require.Len(t, events, 3)

	assert.Equal(t, now, events[0].Timestamp)
	assert.Equal(t, "forge", events[0].Hostname)
	assert.Equal(t, "disk full", events[1].ErrorMessage)
	assert.Equal(t, 12.5, events[1].DurationSeconds)
	assert.Equal(t, "nas", events[2].Repository)
}

func TestWriter_WireFormat(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "forge", nil)
	ts := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, w.Append(StreamBackup, model.LogEvent{Timestamp: ts, Event: model.EventBackupComplete, JobName: "db", Status: model.StatusSuccess}))

	data, err := os.ReadFile(filepath.Join(dir, StreamBackup))
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.HasSuffix(line, "}\n"))
	assert.Contains(t, line, `"timestamp":"2024-01-01T03:00:00Z"`)
	assert.Contains(t, line, `"event":"backup_complete"`)
	assert.Contains(t, line, `"job_name":"db"`)
	assert.Contains(t, line, `"duration_seconds":0`)
	assert.Contains(t, line, `"hostname":"forge"`)
	assert.NotContains(t, line, "error_message")
}

func TestWriter_TruncatesLongMessages(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "forge", nil)
	require.NoError(t, w.Append(StreamBackup, model.LogEvent{Event: model.EventBackupFailure, Status: model.StatusFailure, ErrorMessage: strings.Repeat("e", 5000) + "END"}))

	var got model.LogEvent
	_, err := Scan(dir, time.Time{}, func(ev model.LogEvent) { got = ev })
	require.NoError(t, err)
	assert.Len(t, got.ErrorMessage, maxMessageBytes)
	assert.True(t, strings.HasSuffix(got.ErrorMessage, "END"))
}

func TestWriter_TruncatesOnRuneBoundary(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "forge", nil)
	msg := strings.Repeat("é", 1000) + "END"
	require.NoError(t, w.Append(StreamBackup, model.LogEvent{Event: model.EventBackupFailure, Status: model.StatusFailure, ErrorMessage: msg}))

	var got model.LogEvent
	_, err := Scan(dir, time.Time{}, func(ev model.LogEvent) { got = ev })
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.ErrorMessage))
	assert.NotContains(t, got.ErrorMessage, string(utf8.RuneError))
	assert.Len(t, got.ErrorMessage, maxMessageBytes-1)
	assert.True(t, strings.HasSuffix(got.ErrorMessage, "END"))
}

func TestWriter_ConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "forge", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Append(StreamBackup, model.LogEvent{Event: model.EventBackupStart, Status: model.StatusStarted})
		}()
	}
	wg.Wait()

	res, err := Scan(dir, time.Time{}, func(model.LogEvent) {})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Events)
	assert.Equal(t, 0, res.Malformed)
}

func TestScan_SkipsOldFilesAndMalformedLines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	require.NoError(t, os.WriteFile(old, []byte(`{"timestamp":"2023-01-01T00:00:00Z","event":"backup_failure","status":"failure"}`+"\n"), 0o644))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh := filepath.Join(dir, "fresh.jsonl")
	require.NoError(t, os.WriteFile(fresh, []byte("not json\n\n"+`{"event":"missing timestamp"}`+"\n"+`{"timestamp":"2024-01-01T00:00:00Z","event":"backup_failure","status":"failure"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	var n int
	res, err := Scan(dir, time.Now().Add(-48*time.Hour), func(model.LogEvent) { n++ })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, res.Malformed)
}
