// Package analyzer classifies failed runs found in the event logs and
// aggregates the classifications into alerting metrics.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/eventlog"
	"github.com/edvin/snapbackup/internal/lock"
	"github.com/edvin/snapbackup/internal/metrics"
	"github.com/edvin/snapbackup/internal/model"
)

// ErrAlreadyRunning means another analyzer instance holds the lock. Overlapping
// runs are refused, never queued.
var ErrAlreadyRunning = errors.New("analyzer is already running")

// Defaults for zero Options fields.
const (
	DefaultScanWindow      = 48 * time.Hour
	DefaultAggregateWindow = 24 * time.Hour
	DefaultRetention       = 7 * 24 * time.Hour
	firstRunLookback       = time.Hour
)

// Options wires an Analyzer.
type Options struct {
	LogDir          string
	StateDir        string
	Locks           lock.Dir
	Metrics         *metrics.Emitter
	Rules           RuleSet
	Clock           clock.Clock
	Hostname        string
	ScanWindow      time.Duration
	AggregateWindow time.Duration
	Retention       time.Duration
}

// Analyzer is the error log analyzer.
type Analyzer struct {
	logger    zerolog.Logger
	opts      Options
	clock     clock.Clock
	watermark *Watermark
	records   *Records
}

func New(logger zerolog.Logger, opts Options) *Analyzer {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultScanWindow
	}
	if opts.AggregateWindow <= 0 {
		opts.AggregateWindow = DefaultAggregateWindow
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	dir := filepath.Join(opts.StateDir, "analyzer")
	return &Analyzer{
		logger:    logger.With().Str("component", "analyzer").Logger(),
		opts:      opts,
		clock:     opts.Clock,
		watermark: NewWatermark(filepath.Join(dir, "watermark.json")),
		records:   NewRecords(filepath.Join(dir, "classifications.jsonl")),
	}
}

// Report summarises one analyzer run.
type Report struct {
	Files      int
	Scanned    int
	Malformed  int
	New        []model.ErrorClassification
	Watermark  time.Time
	Advanced   bool
	ByCategory map[string]int
	BySeverity map[string]int
}

// Run performs one analysis pass.
func (a *Analyzer) Run(ctx context.Context) (Report, error) {
	l, err := lock.TryAcquire(ctx, a.opts.Locks.Analyzer())
	if errors.Is(err, lock.ErrLocked) {
		return Report{}, fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
	}
	if err != nil {
		return Report{}, err
	}
	defer l.Release()

	now := a.clock.Now()
	wm, err := a.watermark.Load(now.Add(-firstRunLookback))
	if err != nil {
		return Report{}, err
	}
	log := a.logger.With().Time("watermark", wm).Logger()

	rep := Report{Watermark: wm}
	latest := wm
	res, err := eventlog.Scan(a.opts.LogDir, now.Add(-a.opts.ScanWindow), func(ev model.LogEvent) {
		if !ev.Timestamp.After(wm) {
			return
		}
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
		if !ev.IsFailure() {
			return
		}
		rep.New = append(rep.New, a.classify(ev))
	})
	if err != nil {
		return rep, err
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	rep.Files, rep.Scanned, rep.Malformed = res.Files, res.Events, res.Malformed
	if res.Malformed > 0 {
		log.Warn().Int("lines", res.Malformed).Msg("skipped malformed event log lines")
	}

	sort.SliceStable(rep.New, func(i, j int) bool { return rep.New[i].Timestamp.Before(rep.New[j].Timestamp) })
	if err := a.records.Append(rep.New); err != nil {
		return rep, err
	}

	// Records are written before the watermark moves: a crash in between
	// re-classifies the same events instead of losing them.
	advanced, err := a.watermark.Advance(wm, latest)
	if err != nil {
		return rep, err
	}
	if advanced {
		rep.Watermark, rep.Advanced = latest, true
	}

	recs, err := a.records.Prune(now.Add(-a.opts.Retention))
	if err != nil {
		return rep, err
	}
	rep.ByCategory, rep.BySeverity = aggregate(recs, now.Add(-a.opts.AggregateWindow))

	if a.opts.Metrics != nil {
		if err := a.opts.Metrics.Write("backup_errors.prom", a.samples(rep, now)); err != nil {
			log.Error().Err(err).Msg("failed to write metrics")
		}
	}

	log.Info().
		Int("files", rep.Files).
		Int("scanned", rep.Scanned).
		Int("classified", len(rep.New)).
		Time("new_watermark", rep.Watermark).
		Msg("analysis complete")
	return rep, nil
}

func (a *Analyzer) classify(ev model.LogEvent) model.ErrorClassification {
	msg := ev.ErrorMessage
	if msg == "" {
		msg = ev.Event + " " + ev.Status
	}
	c := a.opts.Rules.Classify(msg)
	c.Timestamp = ev.Timestamp
	c.Event = ev.Event
	c.Subject = ev.Subject()
	c.Message = ev.ErrorMessage
	c.Hostname = ev.Hostname
	return c
}

func aggregate(recs []model.ErrorClassification, since time.Time) (byCategory, bySeverity map[string]int) {
	byCategory = make(map[string]int)
	bySeverity = map[string]int{
		model.SeverityLow:      0,
		model.SeverityMedium:   0,
		model.SeverityHigh:     0,
		model.SeverityCritical: 0,
	}
	for _, r := range recs {
		if r.Timestamp.Before(since) {
			continue
		}
		byCategory[r.Category]++
		bySeverity[r.Severity]++
	}
	return byCategory, bySeverity
}

func (a *Analyzer) samples(rep Report, now time.Time) []metrics.Sample {
	host := prometheus.Labels{"hostname": a.opts.Hostname}
	samples := []metrics.Sample{
		{Name: "backup_analyzer_last_run_timestamp", Help: "Unix time of the last analyzer run.", Labels: host, Value: float64(now.Unix())},
		{Name: "backup_analyzer_watermark_timestamp", Help: "Events at or before this time have been analyzed.", Labels: host, Value: float64(rep.Watermark.Unix())},
		{Name: "backup_analyzer_events_scanned", Help: "Events read by the last analyzer run.", Labels: host, Value: float64(rep.Scanned)},
		{Name: "backup_analyzer_malformed_lines", Help: "Unparseable event log lines seen by the last analyzer run.", Labels: host, Value: float64(rep.Malformed)},
	}

	categories := make([]string, 0, len(rep.ByCategory))
	for c := range rep.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		samples = append(samples, metrics.Sample{
			Name:   "backup_errors_by_category",
			Help:   "Classified failures in the aggregation window by category.",
			Labels: prometheus.Labels{"hostname": a.opts.Hostname, "category": c},
			Value:  float64(rep.ByCategory[c]),
		})
	}
	for _, s := range []string{model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical} {
		samples = append(samples, metrics.Sample{
			Name:   "backup_errors_by_severity",
			Help:   "Classified failures in the aggregation window by severity.",
			Labels: prometheus.Labels{"hostname": a.opts.Hostname, "severity": s},
			Value:  float64(rep.BySeverity[s]),
		})
	}
	return samples
}
