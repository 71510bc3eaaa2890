// Package hold places and releases per-job pins on snapshots so the
// retention process cannot destroy a snapshot while a backup reads it.
package hold

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/zfs"
)

// DefaultStaleAfter is how old an orphaned hold must be before the sweep
// releases it.
const DefaultStaleAfter = 24 * time.Hour

// ErrSnapshotVanished means the snapshot was destroyed while the hold was
// being placed. The backup must not proceed.
var ErrSnapshotVanished = errors.New("snapshot disappeared while placing hold")

// RunningFunc reports whether a job is currently executing.
type RunningFunc func(job string) bool

// Manager coordinates holds between backup jobs and the sweep.
type Manager struct {
	logger    zerolog.Logger
	client    zfs.Client
	ledger    *Ledger
	clock     clock.Clock
	tagPrefix string
	running   RunningFunc
}

// NewManager creates a hold manager. Tags are tagPrefix + job name.
func NewManager(logger zerolog.Logger, client zfs.Client, ledger *Ledger, clk clock.Clock, tagPrefix string, running RunningFunc) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	if running == nil {
		running = func(string) bool { return false }
	}
	return &Manager{
		logger:    logger.With().Str("component", "hold-manager").Logger(),
		client:    client,
		ledger:    ledger,
		clock:     clk,
		tagPrefix: tagPrefix,
		running:   running,
	}
}

// TagFor returns the hold tag used for job.
func (m *Manager) TagFor(job string) string {
	return m.tagPrefix + job
}

// Place pins dataset@snapshot with tag on behalf of job. It is idempotent:
// an existing hold with exactly this tag counts as success.
func (m *Manager) Place(ctx context.Context, job, dataset, snapshot, tag string) (model.SnapshotHold, error) {
	full := dataset + "@" + snapshot
	log := m.logger.With().Str("job", job).Str("snapshot", full).Str("tag", tag).Logger()

	if err := m.releasePrevious(ctx, job, dataset, full, tag); err != nil {
		return model.SnapshotHold{}, err
	}

	holds, err := m.client.ListHolds(ctx, full)
	if err != nil {
		if errors.Is(err, zfs.ErrDatasetNotFound) {
			return model.SnapshotHold{}, fmt.Errorf("%s: %w", full, ErrSnapshotVanished)
		}
		return model.SnapshotHold{}, err
	}

	h := model.SnapshotHold{Job: job, Dataset: dataset, Snapshot: snapshot, Tag: tag}
	if existing, ok := findTag(holds, tag); ok {
		log.Debug().Msg("hold already present")
		h.CreatedAt = existing.Created
		return h, m.ledger.Record(h)
	}

	h.CreatedAt = m.clock.Now()
	// Record before placing: a crash after the hold lands must still leave
	// a ledger entry behind.
	if err := m.ledger.Record(h); err != nil {
		return model.SnapshotHold{}, err
	}

	if err := m.client.Hold(ctx, tag, full); err != nil {
		switch {
		case errors.Is(err, zfs.ErrHoldExists):
			// Lost a race with ourselves; the hold is in place.
		case errors.Is(err, zfs.ErrDatasetNotFound):
			_ = m.ledger.Forget(job, full, tag)
			return model.SnapshotHold{}, fmt.Errorf("%s: %w", full, ErrSnapshotVanished)
		default:
			_ = m.ledger.Forget(job, full, tag)
			return model.SnapshotHold{}, err
		}
	}

	exists, err := m.snapshotExists(ctx, dataset, snapshot)
	if err != nil {
		return h, fmt.Errorf("verify %s after hold: %w", full, err)
	}
	if !exists {
		log.Error().Msg("snapshot destroyed between listing and hold")
		if err := m.client.Release(ctx, tag, full); err != nil && !errors.Is(err, zfs.ErrHoldNotFound) && !errors.Is(err, zfs.ErrDatasetNotFound) {
			log.Warn().Err(err).Msg("failed to release hold on vanished snapshot")
		}
		_ = m.ledger.Forget(job, full, tag)
		return model.SnapshotHold{}, fmt.Errorf("%s: %w", full, ErrSnapshotVanished)
	}

	log.Info().Msg("placed snapshot hold")
	return h, nil
}

// releasePrevious drops a ledger entry left by an earlier run of the same job
// on a different snapshot of the same dataset, so a job never pins two
// snapshots of one dataset at once.
func (m *Manager) releasePrevious(ctx context.Context, job, dataset, full, tag string) error {
	recorded, err := m.ledger.Load(job)
	if err != nil {
		return err
	}
	for _, prev := range recorded {
		if prev.Dataset != dataset || prev.Tag != tag || prev.FullSnapshot() == full {
			continue
		}
		m.logger.Warn().
			Str("job", job).
			Str("snapshot", prev.FullSnapshot()).
			Msg("releasing hold left by an earlier run")
		if err := m.Release(ctx, prev); err != nil {
			return fmt.Errorf("release earlier hold on %s: %w", prev.FullSnapshot(), err)
		}
	}
	return nil
}

// Release removes the hold. A hold that is already gone is only a warning:
// the sweep may have released it.
func (m *Manager) Release(ctx context.Context, h model.SnapshotHold) error {
	full := h.FullSnapshot()
	log := m.logger.With().Str("job", h.Job).Str("snapshot", full).Str("tag", h.Tag).Logger()

	err := m.client.Release(ctx, h.Tag, full)
	switch {
	case err == nil:
		log.Info().Msg("released snapshot hold")
	case errors.Is(err, zfs.ErrHoldNotFound), errors.Is(err, zfs.ErrDatasetNotFound):
		log.Warn().Err(err).Msg("hold already released")
	default:
		return err
	}
	return m.ledger.Forget(h.Job, full, h.Tag)
}

// SweepStale releases holds bearing this manager's tag prefix that are older
// than threshold and do not belong to a running job. It returns the number of
// holds released.
func (m *Manager) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	now := m.clock.Now()

	datasets, err := m.client.ListDatasets(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	released := 0
	var errs []error
	for _, ds := range datasets {
		snaps, err := m.client.ListSnapshots(ctx, ds.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, snap := range snaps {
			if snap.UserRefs == 0 {
				continue
			}
			holds, err := m.client.ListHolds(ctx, snap.FullName())
			if err != nil {
				if !errors.Is(err, zfs.ErrDatasetNotFound) {
					errs = append(errs, err)
				}
				continue
			}
			for _, h := range holds {
				if !strings.HasPrefix(h.Tag, m.tagPrefix) {
					continue
				}
				age := now.Sub(h.Created)
				if age <= threshold {
					continue
				}
				job := strings.TrimPrefix(h.Tag, m.tagPrefix)
				if m.running(job) {
					m.logger.Debug().Str("job", job).Str("snapshot", h.Snapshot).Msg("stale hold belongs to a running job, skipping")
					continue
				}
				err := m.Release(ctx, model.SnapshotHold{
					Job: job, Dataset: snap.Dataset, Snapshot: snap.Name, Tag: h.Tag, CreatedAt: h.Created,
				})
				if err != nil {
					errs = append(errs, err)
					continue
				}
				m.logger.Warn().
					Str("job", job).
					Str("snapshot", h.Snapshot).
					Dur("age", age).
					Msg("released stale hold")
				released++
			}
		}
	}

	m.pruneLedger(now, threshold)
	return released, errors.Join(errs...)
}

// pruneLedger drops ledger entries of idle jobs that are past the threshold;
// their holds were released above or vanished with their snapshots.
func (m *Manager) pruneLedger(now time.Time, threshold time.Duration) {
	jobs, err := m.ledger.Jobs()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to list hold ledger")
		return
	}
	for _, job := range jobs {
		if m.running(job) {
			continue
		}
		holds, err := m.ledger.Load(job)
		if err != nil {
			m.logger.Warn().Err(err).Str("job", job).Msg("failed to read hold ledger")
			continue
		}
		for _, h := range holds {
			if now.Sub(h.CreatedAt) > threshold {
				_ = m.ledger.Forget(job, h.FullSnapshot(), h.Tag)
			}
		}
	}
}

func (m *Manager) snapshotExists(ctx context.Context, dataset, snapshot string) (bool, error) {
	snaps, err := m.client.ListSnapshots(ctx, dataset)
	if err != nil {
		if errors.Is(err, zfs.ErrDatasetNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, s := range snaps {
		if s.Name == snapshot {
			return true, nil
		}
	}
	return false, nil
}

func findTag(holds []zfs.Hold, tag string) (zfs.Hold, bool) {
	for _, h := range holds {
		if h.Tag == tag {
			return h, true
		}
	}
	return zfs.Hold{}, false
}
