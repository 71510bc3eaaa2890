// Package verify runs the periodic repository integrity checks and restore
// tests. Both record events and metrics in the same shapes as backup runs.
package verify

import (
	"context"
	"errors"
	"fmt"
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

// Repo is the subset of the restic client these runs need.
type Repo interface {
	Check(ctx context.Context, repo model.Repository, opts restic.CheckOptions) error
	Snapshots(ctx context.Context, repo model.Repository, tags []string, latest int) ([]restic.Snapshot, error)
	Stats(ctx context.Context, repo model.Repository) (restic.Stats, error)
	Locks(ctx context.Context, repo model.Repository) (int, error)
	ListFiles(ctx context.Context, repo model.Repository, snapshotID string) ([]restic.Node, error)
	Restore(ctx context.Context, repo model.Repository, snapshotID, target string, include []string) error
}

// Notifier is told about failed runs.
type Notifier interface {
	Notify(ctx context.Context, kind, subject, excerpt string)
}

// Options wires a Verifier or RestoreTester.
type Options struct {
	Repo     Repo
	Events   *eventlog.Writer
	Metrics  *metrics.Emitter
	Locks    lock.Dir
	Hostname string
	Clock    clock.Clock
	Notifier Notifier
}

func (o Options) clock() clock.Clock {
	if o.Clock == nil {
		return clock.WallClock
	}
	return o.Clock
}

// Result describes one finished verification or restore test.
type Result struct {
	RunID      string
	Repository string
	Status     string
	Duration   time.Duration
	Excerpt    string

	// Verification counters, -1 when not collected.
	Snapshots int
	Locks     int
	SizeBytes int64

	// Restore-test counters.
	SnapshotID string
	Sampled    int
	Restored   int
	Failed     int
	ScratchDir string
}

// Verifier runs `restic check` against one repository at a time.
type Verifier struct {
	logger zerolog.Logger
	opts   Options
	clock  clock.Clock
}

func NewVerifier(logger zerolog.Logger, opts Options) *Verifier {
	return &Verifier{
		logger: logger.With().Str("component", "verifier").Logger(),
		opts:   opts,
		clock:  opts.clock(),
	}
}

// Run checks repo. Counter collection is best effort: it can never fail a
// check that passed.
func (v *Verifier) Run(ctx context.Context, job model.VerificationJob, repo model.Repository) (Result, error) {
	log := v.logger.With().Str("repository", repo.Name).Logger()

	l, err := lock.TryAcquire(ctx, v.opts.Locks.Repository("verify", repo.Name))
	if err != nil {
		return Result{Repository: repo.Name}, fmt.Errorf("verify %s: %w", repo.Name, err)
	}
	defer l.Release()

	res := Result{RunID: uuid.NewString(), Repository: repo.Name, Snapshots: -1, Locks: -1, SizeBytes: -1}
	log = log.With().Str("run_id", res.RunID).Logger()
	started := v.clock.Now()
	appendEvent(v.opts, eventlog.StreamVerification, model.EventVerificationStart, repo, res, log)

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	mode := "structure"
	switch {
	case job.ReadData:
		mode = "full"
	case job.ReadDataSubset != "":
		mode = "subset " + job.ReadDataSubset
	}
	log.Info().Str("mode", mode).Msg("verification started")

	checkErr := v.opts.Repo.Check(runCtx, repo, restic.CheckOptions{ReadData: job.ReadData, ReadDataSubset: job.ReadDataSubset})
	if checkErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		checkErr = fmt.Errorf("timed out after %s: %w", job.Timeout, checkErr)
	}

	if job.CollectStats {
		v.collectCounters(runCtx, repo, &res, log)
	}

	res.Duration = v.clock.Now().Sub(started)
	finish(ctx, v.opts, finishing{
		stream:   eventlog.StreamVerification,
		complete: model.EventVerificationComplete,
		failure:  model.EventVerificationFailure,
		kind:     "verification",
		file:     metrics.FileName("restic_verify", repo.Name),
		samples:  verifySamples,
	}, repo, &res, checkErr, log)
	return res, checkErr
}

func (v *Verifier) collectCounters(ctx context.Context, repo model.Repository, res *Result, log zerolog.Logger) {
	if snaps, err := v.opts.Repo.Snapshots(ctx, repo, nil, 0); err != nil {
		log.Warn().Err(err).Msg("failed to count snapshots")
	} else {
		res.Snapshots = len(snaps)
	}
	if n, err := v.opts.Repo.Locks(ctx, repo); err != nil {
		log.Warn().Err(err).Msg("failed to count repository locks")
	} else {
		res.Locks = n
	}
	if st, err := v.opts.Repo.Stats(ctx, repo); err != nil {
		log.Warn().Err(err).Msg("failed to collect repository stats")
	} else {
		res.SizeBytes = st.TotalSize
	}
}

func verifySamples(labels prometheus.Labels, res Result, finished time.Time) []metrics.Sample {
	ok := metrics.Bool(res.Status == model.StatusSuccess)
	samples := []metrics.Sample{
		{Name: "restic_verify_status", Help: "Result of the last repository check (1 = passed, 0 = failed).", Labels: labels, Value: ok},
		{Name: "restic_backup_repo_healthy", Help: "Whether the last repository check passed.", Labels: labels, Value: ok},
		{Name: "restic_verify_duration_seconds", Help: "Duration of the last repository check.", Labels: labels, Value: res.Duration.Seconds()},
		{Name: "restic_verify_last_run_timestamp", Help: "Unix time the last repository check finished.", Labels: labels, Value: float64(finished.Unix())},
	}
	if res.Snapshots >= 0 {
		samples = append(samples, metrics.Sample{Name: "restic_backup_snapshots_total", Help: "Snapshots in the repository.", Labels: labels, Value: float64(res.Snapshots)})
	}
	if res.Locks >= 0 {
		samples = append(samples, metrics.Sample{Name: "restic_repo_locks", Help: "Locks present in the repository.", Labels: labels, Value: float64(res.Locks)})
	}
	if res.SizeBytes >= 0 {
		samples = append(samples, metrics.Sample{Name: "restic_repo_size_bytes", Help: "Raw data stored in the repository.", Labels: labels, Value: float64(res.SizeBytes)})
	}
	return samples
}

type finishing struct {
	stream, complete, failure, kind, file string
	samples                               func(prometheus.Labels, Result, time.Time) []metrics.Sample
}

// finish records the outcome of a repository-scoped run.
func finish(ctx context.Context, opts Options, f finishing, repo model.Repository, res *Result, runErr error, log zerolog.Logger) {
	event := f.complete
	if runErr == nil {
		res.Status = model.StatusSuccess
		log.Info().Dur("duration", res.Duration).Msg(f.kind + " passed")
	} else {
		res.Status = model.StatusFailure
		res.Excerpt = restic.Excerpt(runErr)
		event = f.failure
		log.Error().Err(runErr).Dur("duration", res.Duration).Msg(f.kind + " failed")
	}
	appendEvent(opts, f.stream, event, repo, *res, log)

	if opts.Metrics != nil {
		labels := prometheus.Labels{
			"repository":          repo.Name,
			"repository_name":     repo.DisplayName(),
			"repository_location": repo.Location(),
			"hostname":            opts.Hostname,
		}
		if err := opts.Metrics.Write(f.file, f.samples(labels, *res, opts.clock().Now())); err != nil {
			log.Error().Err(err).Msg("failed to write metrics")
		}
	}
	if runErr != nil && opts.Notifier != nil {
		opts.Notifier.Notify(context.WithoutCancel(ctx), f.kind, repo.Name, res.Excerpt)
	}
}

func appendEvent(opts Options, stream, kind string, repo model.Repository, res Result, log zerolog.Logger) {
	if opts.Events == nil {
		return
	}
	status := res.Status
	if status == "" {
		status = model.StatusStarted
	}
	err := opts.Events.Append(stream, model.LogEvent{
		Timestamp:       opts.clock().Now(),
		Event:           kind,
		Repository:      repo.Name,
		Status:          status,
		DurationSeconds: res.Duration.Seconds(),
		ErrorMessage:    res.Excerpt,
		Hostname:        opts.Hostname,
		RunID:           res.RunID,
	})
	if err != nil {
		log.Error().Err(err).Str("event", kind).Msg("failed to append event")
	}
}
