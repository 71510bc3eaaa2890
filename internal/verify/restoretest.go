package verify

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/eventlog"
	"github.com/edvin/snapbackup/internal/lock"
	"github.com/edvin/snapbackup/internal/metrics"
	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/restic"
)

var (
	ErrNoSnapshots = errors.New("repository has no snapshots")
	ErrNoFiles     = errors.New("snapshot contains no regular files")
	ErrRestoreTest = errors.New("sampled files failed to restore")
)

// RestoreTester restores a random sample of files from the latest snapshot
// into a scratch directory and checks them.
type RestoreTester struct {
	logger zerolog.Logger
	opts   Options
	clock  clock.Clock
	perm   func(n int) []int
}

func NewRestoreTester(logger zerolog.Logger, opts Options) *RestoreTester {
	return &RestoreTester{
		logger: logger.With().Str("component", "restore-tester").Logger(),
		opts:   opts,
		clock:  opts.clock(),
		perm:   rand.Perm,
	}
}

func (t *RestoreTester) Run(ctx context.Context, job model.RestoreTestJob, repo model.Repository) (Result, error) {
	log := t.logger.With().Str("repository", repo.Name).Logger()

	l, err := lock.TryAcquire(ctx, t.opts.Locks.Repository("restore-test", repo.Name))
	if err != nil {
		return Result{Repository: repo.Name}, fmt.Errorf("restore test %s: %w", repo.Name, err)
	}
	defer l.Release()

	res := Result{RunID: uuid.NewString(), Repository: repo.Name, Snapshots: -1, Locks: -1, SizeBytes: -1}
	log = log.With().Str("run_id", res.RunID).Logger()
	started := t.clock.Now()
	appendEvent(t.opts, eventlog.StreamRestoreTest, model.EventRestoreTestStart, repo, res, log)

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	runErr := t.restore(runCtx, job, repo, &res, log)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("timed out after %s: %w", job.Timeout, runErr)
	}

	if res.ScratchDir != "" {
		if job.Retain {
			log.Info().Str("scratch_dir", res.ScratchDir).Msg("keeping restored files for inspection")
		} else if err := os.RemoveAll(res.ScratchDir); err != nil {
			log.Warn().Err(err).Str("scratch_dir", res.ScratchDir).Msg("failed to remove scratch directory")
		}
	}

	res.Duration = t.clock.Now().Sub(started)
	finish(ctx, t.opts, finishing{
		stream:   eventlog.StreamRestoreTest,
		complete: model.EventRestoreTestComplete,
		failure:  model.EventRestoreTestFailure,
		kind:     "restore-test",
		file:     metrics.FileName("restic_restore_test", repo.Name),
		samples:  restoreSamples,
	}, repo, &res, runErr, log)
	return res, runErr
}

func (t *RestoreTester) restore(ctx context.Context, job model.RestoreTestJob, repo model.Repository, res *Result, log zerolog.Logger) error {
	snaps, err := t.opts.Repo.Snapshots(ctx, repo, job.Tags, 0)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return fmt.Errorf("%s: %w", repo.Name, ErrNoSnapshots)
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Time.After(latest.Time) {
			latest = s
		}
	}
	res.SnapshotID = latest.ID

	nodes, err := t.opts.Repo.ListFiles(ctx, repo, latest.ID)
	if err != nil {
		return err
	}
	var files []restic.Node
	for _, n := range nodes {
		if n.Type == "file" {
			files = append(files, n)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("snapshot %s: %w", latest.ShortID, ErrNoFiles)
	}

	n := min(max(job.SampleFiles, 1), len(files))
	order := t.perm(len(files))
	sample := make([]restic.Node, n)
	for i := range sample {
		sample[i] = files[order[i]]
	}
	res.Sampled = n

	res.ScratchDir = filepath.Join(job.ScratchDir, repo.Name+"-"+res.RunID)
	if err := os.MkdirAll(res.ScratchDir, 0o700); err != nil {
		res.ScratchDir = ""
		return fmt.Errorf("create scratch directory: %w", err)
	}

	log.Info().Str("snapshot", latest.ShortID).Int("sampled", n).Int("files", len(files)).Msg("restore test started")

	var errs []error
	for _, f := range sample {
		if err := t.restoreOne(ctx, repo, latest.ID, res.ScratchDir, f); err != nil {
			log.Warn().Err(err).Str("file", f.Path).Msg("sampled file failed to restore")
			errs = append(errs, err)
			res.Failed++
			continue
		}
		res.Restored++
	}
	if res.Failed > 0 {
		return fmt.Errorf("%w: %d of %d: %w", ErrRestoreTest, res.Failed, res.Sampled, errors.Join(errs...))
	}
	return nil
}

// restoreOne restores a single file and checks it arrived with the size
// recorded in the snapshot.
func (t *RestoreTester) restoreOne(ctx context.Context, repo model.Repository, snapshotID, scratch string, f restic.Node) error {
	if err := t.opts.Repo.Restore(ctx, repo, snapshotID, scratch, []string{f.Path}); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Join(scratch, f.Path))
	if err != nil {
		return fmt.Errorf("restored %s: %w", f.Path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("restored %s is not a regular file", f.Path)
	}
	if info.Size() != f.Size {
		return fmt.Errorf("restored %s has %d bytes, snapshot records %d", f.Path, info.Size(), f.Size)
	}
	return nil
}

func restoreSamples(labels prometheus.Labels, res Result, finished time.Time) []metrics.Sample {
	return []metrics.Sample{
		{Name: "restic_restore_test_status", Help: "Result of the last restore test (1 = passed, 0 = failed).", Labels: labels, Value: metrics.Bool(res.Status == model.StatusSuccess)},
		{Name: "restic_restore_test_duration_seconds", Help: "Duration of the last restore test.", Labels: labels, Value: res.Duration.Seconds()},
		{Name: "restic_restore_test_last_run_timestamp", Help: "Unix time the last restore test finished.", Labels: labels, Value: float64(finished.Unix())},
		{Name: "restic_restore_test_files_sampled", Help: "Files sampled by the last restore test.", Labels: labels, Value: float64(res.Sampled)},
		{Name: "restic_restore_test_files_restored", Help: "Sampled files restored and validated.", Labels: labels, Value: float64(res.Restored)},
		{Name: "restic_restore_test_files_failed", Help: "Sampled files that failed to restore.", Labels: labels, Value: float64(res.Failed)},
	}
}
