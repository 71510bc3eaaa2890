package hold

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/zfs/zfstest"
)

var epoch = time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *testclock.Clock
	fs      *zfstest.Fake
	ledger  *Ledger
	mgr     *Manager
	running map[string]bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   testclock.NewClock(epoch),
		ledger:  NewLedger(filepath.Join(t.TempDir(), "holds")),
		running: map[string]bool{},
	}
	f.fs = zfstest.New(f.clock)
	f.fs.AddDataset("tank/db", "/var/lib/db")
	f.fs.AddSnapshot("tank/db", "2023-12-31", epoch.Add(-24*time.Hour))
	f.fs.AddSnapshot("tank/db", "2024-01-01", epoch.Add(-time.Hour))
	f.mgr = NewManager(zerolog.Nop(), f.fs, f.ledger, f.clock, "backup-", func(job string) bool {
		return f.running[job]
	})
	return f
}

func TestTagFor(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "backup-db", f.mgr.TagFor("db"))
}

func TestPlace_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h1, err := f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)
	h2, err := f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)

	holds := f.fs.Holds("tank/db@2024-01-01")
	require.Len(t, holds, 1)
	assert.Equal(t, "backup-db", holds[0].Tag)
	assert.Equal(t, h1.CreatedAt, h2.CreatedAt)

	recorded, err := f.ledger.Load("db")
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestPlace_TagMatchIsExact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A hold whose tag merely contains ours must not count as ours.
	require.NoError(t, f.fs.Hold(ctx, "backup-db-archive", "tank/db@2024-01-01"))

	_, err := f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)
	assert.Len(t, f.fs.Holds("tank/db@2024-01-01"), 2)
}

func TestPlace_SnapshotDestroyedBeforeHold(t *testing.T) {
	f := newFixture(t)
	f.fs.BeforeHold = func(_, snapshot string) { f.fs.DestroySnapshot(snapshot) }

	_, err := f.mgr.Place(context.Background(), "db", "tank/db", "2024-01-01", "backup-db")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotVanished))

	recorded, err := f.ledger.Load("db")
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestPlace_SnapshotDestroyedAfterHold(t *testing.T) {
	f := newFixture(t)
	f.fs.AfterHold = func(_, snapshot string) { f.fs.DestroySnapshot(snapshot) }

	_, err := f.mgr.Place(context.Background(), "db", "tank/db", "2024-01-01", "backup-db")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSnapshotVanished))
	assert.Equal(t, 0, f.fs.AllHolds())
}

func TestPlace_MissingSnapshot(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Place(context.Background(), "db", "tank/db", "nope", "backup-db")
	assert.True(t, errors.Is(err, ErrSnapshotVanished))
}

func TestPlace_ReleasesEarlierRunOnSameDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A crashed run pinned yesterday's snapshot.
	_, err := f.mgr.Place(ctx, "db", "tank/db", "2023-12-31", "backup-db")
	require.NoError(t, err)

	_, err = f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)

	assert.Empty(t, f.fs.Holds("tank/db@2023-12-31"))
	assert.Len(t, f.fs.Holds("tank/db@2024-01-01"), 1)

	recorded, err := f.ledger.Load("db")
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "2024-01-01", recorded[0].Snapshot)
}

func TestRelease_MissingHoldIsNotFatal(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Release(context.Background(), model.SnapshotHold{
		Job: "db", Dataset: "tank/db", Snapshot: "2024-01-01", Tag: "backup-db",
	})
	assert.NoError(t, err)
}

func TestRelease_ClearsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Release(ctx, h))

	assert.Equal(t, 0, f.fs.AllHolds())
	recorded, err := f.ledger.Load("db")
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestSweepStale_CrashedRunIsCleanedUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Run places a hold and dies before cleanup.
	_, err := f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)
	require.Equal(t, 1, f.fs.AllHolds())

	// Young holds are left alone.
	n, err := f.mgr.SweepStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.fs.AllHolds())

	f.clock.Advance(25 * time.Hour)

	n, err = f.mgr.SweepStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.fs.AllHolds())

	jobs, err := f.ledger.Jobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSweepStale_SkipsRunningJobsAndForeignTags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)
	require.NoError(t, f.fs.Hold(ctx, "syncoid_forge", "tank/db@2024-01-01"))

	f.running["db"] = true
	f.clock.Advance(48 * time.Hour)

	n, err := f.mgr.SweepStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.fs.Holds("tank/db@2024-01-01"), 2)

	f.running["db"] = false
	n, err = f.mgr.SweepStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	holds := f.fs.Holds("tank/db@2024-01-01")
	require.Len(t, holds, 1)
	assert.Equal(t, "syncoid_forge", holds[0].Tag)
}

func TestSweepStale_DefaultThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Place(ctx, "db", "tank/db", "2024-01-01", "backup-db")
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	n, err := f.mgr.SweepStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.mgr.SweepStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepStale_ListFailure(t *testing.T) {
	f := newFixture(t)
	f.fs.ListDatasetsErr = errors.New("zfs unavailable")
	_, err := f.mgr.SweepStale(context.Background(), time.Hour)
	assert.Error(t, err)
}
