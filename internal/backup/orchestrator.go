// Package backup runs backup jobs against ZFS snapshot views: every managed
// source path is read from a held snapshot instead of the live filesystem.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/eventlog"
	"github.com/edvin/snapbackup/internal/fsutil"
	"github.com/edvin/snapbackup/internal/hold"
	"github.com/edvin/snapbackup/internal/lock"
	"github.com/edvin/snapbackup/internal/metrics"
	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/restic"
	"github.com/edvin/snapbackup/internal/zfs"
)

var (
	// ErrNoSnapshot means a snapshot-backed dataset has no snapshot to read.
	// The live path is never used in its place.
	ErrNoSnapshot = errors.New("dataset has no snapshot")
	// ErrRestartBudgetExhausted refuses a trigger after too many recent failures.
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
)

// Tool is the backup program invoked in the execute step.
type Tool interface {
	Backup(ctx context.Context, repo model.Repository, opts restic.BackupOptions) (restic.BackupSummary, error)
}

// Preflighter checks that a repository is reachable before a run writes to it.
type Preflighter interface {
	Check(ctx context.Context, repo model.Repository) error
}

// Notifier is told about failed runs.
type Notifier interface {
	Notify(ctx context.Context, kind, subject, excerpt string)
}

// Options wires an Orchestrator.
type Options struct {
	ZFS        zfs.Client
	Holds      *hold.Manager
	Tool       Tool
	Events     *eventlog.Writer
	Metrics    *metrics.Emitter
	States     *StateStore
	Locks      lock.Dir
	RunDir     string
	Hostname   string
	StaleAfter time.Duration
	Clock      clock.Clock
	Preflight  Preflighter
	Notifier   Notifier
}

// Orchestrator runs backup jobs through prepare, execute and cleanup.
type Orchestrator struct {
	logger zerolog.Logger
	opts   Options
	clock  clock.Clock
}

func NewOrchestrator(logger zerolog.Logger, opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Orchestrator{
		logger: logger.With().Str("component", "backup-orchestrator").Logger(),
		opts:   opts,
		clock:  clk,
	}
}

// Result describes one finished run.
type Result struct {
	RunID    string
	Job      string
	Status   string
	Started  time.Time
	Duration time.Duration
	// Paths is the list handed to the backup tool.
	Paths   []string
	Holds   []model.SnapshotHold
	Summary restic.BackupSummary
	Excerpt string
}

// run carries the state of a single run through the pipeline.
type run struct {
	id        string
	job       model.BackupJob
	repo      model.Repository
	started   time.Time
	log       zerolog.Logger
	holds     []model.SnapshotHold
	paths     []string
	pathsFile string
	summary   restic.BackupSummary
}

// Run executes job once. Cleanup runs whatever happens in prepare or execute,
// and the returned error is the run's failure, if any.
func (o *Orchestrator) Run(ctx context.Context, job model.BackupJob, repo model.Repository) (Result, error) {
	log := o.logger.With().Str("job", job.Name).Str("repository", repo.Name).Logger()

	l, err := lock.TryAcquire(ctx, o.opts.Locks.Job(job.Name))
	if err != nil {
		return Result{Job: job.Name}, fmt.Errorf("job %s: %w", job.Name, err)
	}
	defer l.Release()

	state, err := o.opts.States.Load(job.Name)
	if err != nil {
		return Result{Job: job.Name}, err
	}
	if state.BudgetExhausted(job.Budget, o.clock.Now()) {
		log.Error().
			Int("attempts", job.Budget.Attempts).
			Dur("window", job.Budget.Window).
			Msg("restart budget exhausted, refusing to run")
		return Result{Job: job.Name, Status: model.StatusFailure},
			fmt.Errorf("job %s: %w (%d failures within %s)", job.Name, ErrRestartBudgetExhausted, job.Budget.Attempts, job.Budget.Window)
	}

	if n, err := o.opts.Holds.SweepStale(ctx, o.opts.StaleAfter); err != nil {
		log.Warn().Err(err).Msg("stale hold sweep incomplete")
	} else if n > 0 {
		log.Warn().Int("released", n).Msg("released stale holds before run")
	}

	r := &run{
		id:      uuid.NewString(),
		job:     job,
		repo:    repo,
		started: o.clock.Now(),
	}
	r.log = log.With().Str("run_id", r.id).Logger()

	o.event(r, model.EventBackupStart, model.StatusStarted, 0, "")
	r.log.Info().Strs("paths", job.Paths).Msg("backup started")

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	runErr := o.prepare(runCtx, r)
	if runErr == nil {
		runErr = o.execute(runCtx, r)
	}
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("timed out after %s: %w", job.Timeout, runErr)
	}

	return o.cleanup(ctx, r, state, runErr)
}

// prepare maps each source path onto the latest snapshot of its dataset and
// holds that snapshot. The mount table is read once for the whole run.
func (o *Orchestrator) prepare(ctx context.Context, r *run) error {
	datasets, err := o.opts.ZFS.ListDatasets(ctx)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	table := zfs.NewMountTable(datasets)

	chosen := make(map[string]string)
	for _, p := range r.job.Paths {
		ds, ok, err := table.Resolve(p)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", p, err)
		}
		if !ok {
			r.log.Warn().Str("path", p).Msg("path is not on a snapshot-capable dataset, backing up live path")
			r.paths = append(r.paths, p)
			continue
		}

		snapshot, held := chosen[ds.Name]
		if !held {
			snaps, err := o.opts.ZFS.ListSnapshots(ctx, ds.Name)
			if err != nil {
				return fmt.Errorf("prepare %s: %w", p, err)
			}
			if len(snaps) == 0 {
				return fmt.Errorf("prepare %s: %s: %w", p, ds.Name, ErrNoSnapshot)
			}
			snapshot = snaps[len(snaps)-1].Name

			h, err := o.opts.Holds.Place(ctx, r.job.Name, ds.Name, snapshot, o.opts.Holds.TagFor(r.job.Name))
			if h.Tag != "" {
				r.holds = append(r.holds, h)
			}
			if err != nil {
				return fmt.Errorf("prepare %s: %w", p, err)
			}
			chosen[ds.Name] = snapshot
		}

		translated := zfs.SnapshotPath(ds, snapshot, p)
		r.log.Debug().
			Str("path", p).
			Str("dataset", ds.Name).
			Str("snapshot", snapshot).
			Str("snapshot_path", translated).
			Msg("mapped path onto snapshot")
		r.paths = append(r.paths, translated)
	}

	r.pathsFile = filepath.Join(o.opts.RunDir, r.job.Name+".paths")
	if err := fsutil.WriteFileAtomic(r.pathsFile, []byte(strings.Join(r.paths, "\n")+"\n"), 0o600); err != nil {
		return fmt.Errorf("prepare: write path list: %w", err)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if r.repo.Preflight && o.opts.Preflight != nil {
		if err := o.opts.Preflight.Check(ctx, r.repo); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	tags := append([]string{r.job.Name}, r.job.Tags...)
	summary, err := o.opts.Tool.Backup(ctx, r.repo, restic.BackupOptions{
		FilesFrom: r.pathsFile,
		Excludes:  r.job.Exclude,
		Tags:      tags,
		Host:      o.opts.Hostname,
		Resources: r.job.Resources,
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	r.summary = summary
	return nil
}

// cleanup releases every hold and records the outcome. It runs on a context
// detached from the run's cancellation, bounded by the job's grace period.
// Holds it cannot release are left for the stale sweep.
func (o *Orchestrator) cleanup(ctx context.Context, r *run, state State, runErr error) (Result, error) {
	cctx := context.WithoutCancel(ctx)
	if r.job.CleanupGrace > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, r.job.CleanupGrace)
		defer cancel()
	}

	var releaseErrs []error
	for _, h := range r.holds {
		if err := o.opts.Holds.Release(cctx, h); err != nil {
			r.log.Error().Err(err).Str("snapshot", h.FullSnapshot()).Msg("failed to release hold, leaving it to the stale sweep")
			releaseErrs = append(releaseErrs, err)
		}
	}
	if r.pathsFile != "" {
		if err := os.Remove(r.pathsFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Msg("failed to remove path list")
		}
	}

	now := o.clock.Now()
	res := Result{
		RunID:    r.id,
		Job:      r.job.Name,
		Started:  r.started,
		Duration: now.Sub(r.started),
		Paths:    r.paths,
		Holds:    r.holds,
		Summary:  r.summary,
	}

	if runErr == nil {
		res.Status = model.StatusSuccess
		state.recordSuccess(r.id, now)
		o.event(r, model.EventBackupComplete, model.StatusSuccess, res.Duration, "")
		r.log.Info().
			Dur("duration", res.Duration).
			Str("snapshot_id", r.summary.SnapshotID).
			Int("files", r.summary.TotalFilesProcessed).
			Int64("bytes", r.summary.TotalBytesProcessed).
			Msg("backup completed")
	} else {
		res.Status = model.StatusFailure
		res.Excerpt = restic.Excerpt(runErr)
		state.recordFailure(r.id, now, r.job.Budget.Window)
		o.event(r, model.EventBackupFailure, model.StatusFailure, res.Duration, res.Excerpt)
		r.log.Error().Err(runErr).Dur("duration", res.Duration).Msg("backup failed")
	}

	if err := o.opts.States.Save(r.job.Name, state); err != nil {
		r.log.Error().Err(err).Msg("failed to persist job state")
	}
	if o.opts.Metrics != nil {
		if err := o.opts.Metrics.Write(metrics.FileName("restic_backup", r.job.Name), jobSamples(r, res, state, o.opts.Hostname)); err != nil {
			r.log.Error().Err(err).Msg("failed to write metrics")
		}
	}
	if runErr != nil && o.opts.Notifier != nil {
		o.opts.Notifier.Notify(cctx, "backup", r.job.Name, res.Excerpt)
	}

	if len(releaseErrs) > 0 {
		cleanupErr := fmt.Errorf("cleanup: %w", errors.Join(releaseErrs...))
		return res, errors.Join(runErr, cleanupErr)
	}
	return res, runErr
}

func (o *Orchestrator) event(r *run, kind, status string, d time.Duration, msg string) {
	if o.opts.Events == nil {
		return
	}
	err := o.opts.Events.Append(eventlog.StreamBackup, model.LogEvent{
		Timestamp:       o.clock.Now(),
		Event:           kind,
		JobName:         r.job.Name,
		Repository:      r.repo.Name,
		Status:          status,
		DurationSeconds: d.Seconds(),
		ErrorMessage:    msg,
		Hostname:        o.opts.Hostname,
		RunID:           r.id,
	})
	if err != nil {
		r.log.Error().Err(err).Str("event", kind).Msg("failed to append event")
	}
}
