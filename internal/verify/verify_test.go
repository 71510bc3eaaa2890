package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/eventlog"
	"github.com/edvin/snapbackup/internal/execx"
	"github.com/edvin/snapbackup/internal/lock"
	"github.com/edvin/snapbackup/internal/metrics"
	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/restic"
)

var epoch = time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)

// fakeRepo is an in-memory restic repository.
type fakeRepo struct {
	mu        sync.Mutex
	checkErr  error
	checkOpts []restic.CheckOptions
	snapshots []restic.Snapshot
	nodes     map[string][]restic.Node
	locksErr  error
	statsErr  error
	// corrupt paths restore with the wrong size.
	corrupt  map[string]bool
	restored []string
}

func (f *fakeRepo) Check(_ context.Context, _ model.Repository, opts restic.CheckOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkOpts = append(f.checkOpts, opts)
	return f.checkErr
}

func (f *fakeRepo) Snapshots(_ context.Context, _ model.Repository, _ []string, _ int) ([]restic.Snapshot, error) {
	return f.snapshots, nil
}

func (f *fakeRepo) Stats(context.Context, model.Repository) (restic.Stats, error) {
	return restic.Stats{TotalSize: 1 << 20, SnapshotsCount: len(f.snapshots)}, f.statsErr
}

func (f *fakeRepo) Locks(context.Context, model.Repository) (int, error) {
	return 1, f.locksErr
}

func (f *fakeRepo) ListFiles(_ context.Context, _ model.Repository, id string) ([]restic.Node, error) {
	return f.nodes[id], nil
}

func (f *fakeRepo) Restore(_ context.Context, _ model.Repository, id, target string, include []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range include {
		for _, n := range f.nodes[id] {
			if n.Path != p {
				continue
			}
			size := n.Size
			if f.corrupt[p] {
				size++
			}
			dst := filepath.Join(target, p)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(dst, make([]byte, size), 0o644); err != nil {
				return err
			}
			f.restored = append(f.restored, p)
		}
	}
	return nil
}

type fixture struct {
	clock   *testclock.Clock
	repo    *fakeRepo
	opts    Options
	logDir  string
	metrics string
	target  model.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: testclock.NewClock(epoch),
		repo: &fakeRepo{
			snapshots: []restic.Snapshot{
				{ID: "old0000000", ShortID: "old00000", Time: epoch.Add(-48 * time.Hour)},
				{ID: "new1111111", ShortID: "new11111", Time: epoch.Add(-time.Hour)},
			},
			nodes: map[string][]restic.Node{
				"new1111111": {
					{Name: "db", Type: "dir", Path: "/var/lib/db"},
					{Name: "a.dat", Type: "file", Path: "/var/lib/db/a.dat", Size: 10},
					{Name: "b.dat", Type: "file", Path: "/var/lib/db/b.dat", Size: 20},
					{Name: "c.dat", Type: "file", Path: "/var/lib/db/c.dat", Size: 30},
				},
			},
			corrupt: map[string]bool{},
		},
		logDir:  t.TempDir(),
		metrics: t.TempDir(),
		target:  model.Repository{Name: "local", URL: "/mnt/nas-backup/restic"},
	}
	f.opts = Options{
		Repo:     f.repo,
		Events:   eventlog.NewWriter(f.logDir, "nas01", f.clock),
		Metrics:  metrics.NewEmitter(zerolog.Nop(), f.metrics),
		Locks:    lock.Dir(t.TempDir()),
		Hostname: "nas01",
		Clock:    f.clock,
	}
	return f
}

func scan(t *testing.T, dir string) []model.LogEvent {
	t.Helper()
	var out []model.LogEvent
	_, err := eventlog.Scan(dir, time.Time{}, func(ev model.LogEvent) { out = append(out, ev) })
	require.NoError(t, err)
	return out
}

func TestVerifier_Passes(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(zerolog.Nop(), f.opts)

	res, err := v.Run(context.Background(), model.VerificationJob{Repository: "local", ReadDataSubset: "5%", CollectStats: true}, f.target)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Snapshots)
	assert.Equal(t, 1, res.Locks)
	assert.Equal(t, []restic.CheckOptions{{ReadDataSubset: "5%"}}, f.repo.checkOpts)

	evs := scan(t, f.logDir)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventVerificationStart, evs[0].Event)
	assert.Equal(t, model.EventVerificationComplete, evs[1].Event)
	assert.Equal(t, "local", evs[1].Repository)
	assert.Empty(t, evs[1].JobName)

	prom, err := os.ReadFile(filepath.Join(f.metrics, "restic_verify_local.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "restic_backup_repo_healthy")
	assert.Contains(t, string(prom), "restic_backup_snapshots_total")
}

func TestVerifier_CounterFailuresAreBestEffort(t *testing.T) {
	f := newFixture(t)
	f.repo.locksErr = errors.New("repository is locked")
	f.repo.statsErr = errors.New("stats failed")
	v := NewVerifier(zerolog.Nop(), f.opts)

	res, err := v.Run(context.Background(), model.VerificationJob{Repository: "local", CollectStats: true}, f.target)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, -1, res.Locks)
	assert.Equal(t, int64(-1), res.SizeBytes)

	prom, err := os.ReadFile(filepath.Join(f.metrics, "restic_verify_local.prom"))
	require.NoError(t, err)
	assert.NotContains(t, string(prom), "restic_repo_locks")
}

func TestVerifier_CheckFailure(t *testing.T) {
	f := newFixture(t)
	f.repo.checkErr = &execx.ExitError{Command: "restic", ExitCode: 1, Stderr: "error: pack 3f2a: checksum mismatch"}
	n := &recordingNotifier{}
	f.opts.Notifier = n
	v := NewVerifier(zerolog.Nop(), f.opts)

	res, err := v.Run(context.Background(), model.VerificationJob{Repository: "local", ReadData: true}, f.target)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailure, res.Status)
	assert.Equal(t, []restic.CheckOptions{{ReadData: true}}, f.repo.checkOpts)

	evs := scan(t, f.logDir)
	last := evs[len(evs)-1]
	assert.Equal(t, model.EventVerificationFailure, last.Event)
	assert.Equal(t, model.StatusFailure, last.Status)
	assert.Contains(t, last.ErrorMessage, "checksum mismatch")
	assert.Equal(t, []string{"verification/local"}, n.calls)
}

func TestVerifier_RefusesOverlap(t *testing.T) {
	f := newFixture(t)
	l, err := lock.TryAcquire(context.Background(), f.opts.Locks.Repository("verify", "local"))
	require.NoError(t, err)
	defer l.Release()

	_, err = NewVerifier(zerolog.Nop(), f.opts).Run(context.Background(), model.VerificationJob{}, f.target)
	assert.True(t, errors.Is(err, lock.ErrLocked))
	assert.Empty(t, f.repo.checkOpts)
}

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) Notify(_ context.Context, kind, subject, _ string) {
	n.calls = append(n.calls, kind+"/"+subject)
}
