// Package app wires the snapshot-backed backup components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/analyzer"
	"github.com/edvin/snapbackup/internal/backup"
	"github.com/edvin/snapbackup/internal/config"
	"github.com/edvin/snapbackup/internal/eventlog"
	"github.com/edvin/snapbackup/internal/execx"
	"github.com/edvin/snapbackup/internal/hold"
	"github.com/edvin/snapbackup/internal/lock"
	"github.com/edvin/snapbackup/internal/metrics"
	"github.com/edvin/snapbackup/internal/notify"
	"github.com/edvin/snapbackup/internal/preflight"
	"github.com/edvin/snapbackup/internal/restic"
	"github.com/edvin/snapbackup/internal/schedule"
	"github.com/edvin/snapbackup/internal/status"
	"github.com/edvin/snapbackup/internal/verify"
	"github.com/edvin/snapbackup/internal/zfs"
)

// ErrNotConfigured means a repository has no verification or restore test
// section.
var ErrNotConfigured = errors.New("not configured for repository")

// Deps overrides the external collaborators. Zero fields use the real ones.
type Deps struct {
	ZFS    zfs.Client
	Runner execx.Runner
	Clock  clock.Clock
}

// App holds the wired components for one process.
type App struct {
	logger   zerolog.Logger
	cfg      *config.Config
	registry *config.Registry
	clock    clock.Clock

	restic        *restic.Client
	holds         *hold.Manager
	orchestrator  *backup.Orchestrator
	verifier      *verify.Verifier
	restoreTester *verify.RestoreTester
	analyzer      *analyzer.Analyzer
}

// New wires an App. The registry must already be validated.
func New(logger zerolog.Logger, cfg *config.Config, reg *config.Registry, deps Deps) (*App, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	hostname := reg.Hostname
	if hostname == "" {
		hostname = cfg.Hostname
	}

	zfsClient := deps.ZFS
	if zfsClient == nil {
		zfsClient = zfs.NewCLI(logger, reg.Tools.ZFS, deps.Runner)
	}
	resticClient := restic.NewClient(logger, reg.Tools.Restic, deps.Runner)

	locks := lock.Dir(filepath.Join(cfg.StateDir, "locks"))
	events := eventlog.NewWriter(cfg.LogDir, hostname, clk)
	emitter := metrics.NewEmitter(logger, cfg.MetricsDir)
	hook := notify.NewHook(logger, reg.Notify.Command, reg.Notify.Args, deps.Runner)

	holds := hold.NewManager(logger, zfsClient, hold.NewLedger(filepath.Join(cfg.StateDir, "holds")), clk, reg.HoldTagPrefix, locks.JobRunning)

	rules := reg.Analyzer.Rules
	if len(rules) == 0 {
		rules = analyzer.DefaultRules()
	}
	ruleSet, err := analyzer.Compile(rules)
	if err != nil {
		return nil, err
	}

	verifyOpts := verify.Options{
		Repo:     resticClient,
		Events:   events,
		Metrics:  emitter,
		Locks:    locks,
		Hostname: hostname,
		Clock:    clk,
		Notifier: hook,
	}

	a := &App{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		clock:    clk,
		restic:   resticClient,
		holds:    holds,
		orchestrator: backup.NewOrchestrator(logger, backup.Options{
			ZFS:        zfsClient,
			Holds:      holds,
			Tool:       resticClient,
			Events:     events,
			Metrics:    emitter,
			States:     backup.NewStateStore(cfg.StateDir),
			Locks:      locks,
			RunDir:     filepath.Join(cfg.StateDir, "run"),
			Hostname:   hostname,
			StaleAfter: reg.StaleAfter,
			Clock:      clk,
			Preflight:  preflight.NewS3Checker(logger),
			Notifier:   hook,
		}),
		verifier:      verify.NewVerifier(logger, verifyOpts),
		restoreTester: verify.NewRestoreTester(logger, verifyOpts),
		analyzer: analyzer.New(logger, analyzer.Options{
			LogDir:          cfg.LogDir,
			StateDir:        cfg.StateDir,
			Locks:           locks,
			Metrics:         emitter,
			Rules:           ruleSet,
			Clock:           clk,
			Hostname:        hostname,
			ScanWindow:      reg.Analyzer.ScanWindow,
			AggregateWindow: reg.Analyzer.AggregateWindow,
			Retention:       reg.Analyzer.Retention,
		}),
	}
	return a, nil
}

// Registry returns the validated job registry.
func (a *App) Registry() *config.Registry { return a.registry }

// RunBackup runs one backup job by name.
func (a *App) RunBackup(ctx context.Context, name string) (backup.Result, error) {
	job, err := a.registry.Job(name)
	if err != nil {
		return backup.Result{}, err
	}
	repo, err := a.registry.Repository(job.Repository)
	if err != nil {
		return backup.Result{}, err
	}
	return a.orchestrator.Run(ctx, job, repo)
}

// RunAll runs every backup job in dependency order. Jobs in one level run in
// parallel up to the registry's concurrency.
func (a *App) RunAll(ctx context.Context) ([]schedule.Result, error) {
	return a.registry.Graph().Run(ctx, a.registry.Concurrency, func(ctx context.Context, name string) error {
		_, err := a.RunBackup(ctx, name)
		return err
	})
}

// Verify runs the configured integrity check of one repository.
func (a *App) Verify(ctx context.Context, repoName string) (verify.Result, error) {
	repo, err := a.registry.Repository(repoName)
	if err != nil {
		return verify.Result{}, err
	}
	job, ok := a.registry.Verifications[repoName]
	if !ok {
		return verify.Result{}, fmt.Errorf("verification %w %q", ErrNotConfigured, repoName)
	}
	return a.verifier.Run(ctx, job, repo)
}

// RestoreTest runs the configured restore test of one repository.
func (a *App) RestoreTest(ctx context.Context, repoName string) (verify.Result, error) {
	repo, err := a.registry.Repository(repoName)
	if err != nil {
		return verify.Result{}, err
	}
	job, ok := a.registry.RestoreTests[repoName]
	if !ok {
		return verify.Result{}, fmt.Errorf("restore test %w %q", ErrNotConfigured, repoName)
	}
	return a.restoreTester.Run(ctx, job, repo)
}

// Analyze runs one error analysis pass.
func (a *App) Analyze(ctx context.Context) (analyzer.Report, error) {
	return a.analyzer.Run(ctx)
}

// SweepHolds releases stale holds left by crashed runs.
func (a *App) SweepHolds(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = a.registry.StaleAfter
	}
	return a.holds.SweepStale(ctx, threshold)
}

// Status reports the last result of every job, verification and restore test.
func (a *App) Status() ([]status.Row, error) {
	var targets []status.Target
	for _, name := range a.registry.JobNames() {
		job := a.registry.Jobs[name]
		targets = append(targets, status.Target{Kind: "backup", Subject: name, Repository: a.registry.Repositories[job.Repository], Timeout: job.Timeout})
	}
	for _, repo := range slices.Sorted(maps.Keys(a.registry.Verifications)) {
		targets = append(targets, status.Target{Kind: "verification", Subject: repo, Repository: a.registry.Repositories[repo], Timeout: a.registry.Verifications[repo].Timeout})
	}
	for _, repo := range slices.Sorted(maps.Keys(a.registry.RestoreTests)) {
		targets = append(targets, status.Target{Kind: "restore-test", Subject: repo, Repository: a.registry.Repositories[repo], Timeout: a.registry.RestoreTests[repo].Timeout})
	}
	return status.Collect(a.cfg.LogDir, targets, a.clock.Now())
}

// Snapshots lists the repository snapshots of the named jobs, or of every
// job when names is empty.
func (a *App) Snapshots(ctx context.Context, names []string, latest int) ([]status.Listing, error) {
	if len(names) == 0 {
		names = a.registry.JobNames()
	}
	listings := make([]status.Listing, 0, len(names))
	for _, name := range names {
		job, err := a.registry.Job(name)
		if err != nil {
			return nil, err
		}
		listings = append(listings, status.ListSnapshots(ctx, a.restic, job, a.registry.Repositories[job.Repository], latest))
	}
	return listings, nil
}

// Now is the app's clock reading.
func (a *App) Now() time.Time { return a.clock.Now() }
