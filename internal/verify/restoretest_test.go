package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/restic"
)

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestRestoreTester_SamplesAndCleansUp(t *testing.T) {
	f := newFixture(t)
	rt := NewRestoreTester(zerolog.Nop(), f.opts)
	scratch := t.TempDir()

	res, err := rt.Run(context.Background(), model.RestoreTestJob{Repository: "local", SampleFiles: 2, ScratchDir: scratch}, f.target)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, "new1111111", res.SnapshotID)
	assert.Equal(t, 2, res.Sampled)
	assert.Equal(t, 2, res.Restored)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, f.repo.restored, 2)

	// Scratch data is gone; the scratch root itself stays.
	assert.NoDirExists(t, res.ScratchDir)
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)

	evs := scan(t, f.logDir)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventRestoreTestComplete, evs[1].Event)

	prom, err := os.ReadFile(filepath.Join(f.metrics, "restic_restore_test_local.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "restic_restore_test_files_restored")
}

func TestRestoreTester_SampleLargerThanSnapshot(t *testing.T) {
	f := newFixture(t)
	rt := NewRestoreTester(zerolog.Nop(), f.opts)

	res, err := rt.Run(context.Background(), model.RestoreTestJob{SampleFiles: 10, ScratchDir: t.TempDir()}, f.target)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sampled)
	assert.Equal(t, 3, res.Restored)
}

func TestRestoreTester_SizeMismatchFails(t *testing.T) {
	f := newFixture(t)
	f.repo.corrupt["/var/lib/db/a.dat"] = true
	rt := NewRestoreTester(zerolog.Nop(), f.opts)
	rt.perm = identity

	res, err := rt.Run(context.Background(), model.RestoreTestJob{SampleFiles: 2, ScratchDir: t.TempDir()}, f.target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestoreTest))
	assert.Equal(t, model.StatusFailure, res.Status)
	assert.Equal(t, 1, res.Restored)
	assert.Equal(t, 1, res.Failed)

	evs := scan(t, f.logDir)
	assert.Equal(t, model.EventRestoreTestFailure, evs[len(evs)-1].Event)
	assert.Contains(t, evs[len(evs)-1].ErrorMessage, "a.dat")
}

func TestRestoreTester_RetainKeepsScratch(t *testing.T) {
	f := newFixture(t)
	rt := NewRestoreTester(zerolog.Nop(), f.opts)
	rt.perm = identity

	res, err := rt.Run(context.Background(), model.RestoreTestJob{SampleFiles: 1, ScratchDir: t.TempDir(), Retain: true}, f.target)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(res.ScratchDir, "/var/lib/db/a.dat"))
}

func TestRestoreTester_EmptyRepository(t *testing.T) {
	f := newFixture(t)
	f.repo.snapshots = nil

	_, err := NewRestoreTester(zerolog.Nop(), f.opts).Run(context.Background(), model.RestoreTestJob{SampleFiles: 2, ScratchDir: t.TempDir()}, f.target)
	assert.True(t, errors.Is(err, ErrNoSnapshots))
}

func TestRestoreTester_NoRegularFiles(t *testing.T) {
	f := newFixture(t)
	f.repo.nodes["new1111111"] = []restic.Node{{Name: "db", Type: "dir", Path: "/var/lib/db"}}

	_, err := NewRestoreTester(zerolog.Nop(), f.opts).Run(context.Background(), model.RestoreTestJob{SampleFiles: 2, ScratchDir: t.TempDir()}, f.target)
	assert.True(t, errors.Is(err, ErrNoFiles))
}
