package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Sample is a single point-in-time value.
type Sample struct {
	Name    string
	Help    string
	Labels  prometheus.Labels
	Value   float64
	Counter bool
}

// Emitter writes sample sets as Prometheus textfiles for node_exporter's
// textfile collector. Every write regenerates the whole file.
type Emitter struct {
	logger zerolog.Logger
	dir    string
}

// NewEmitter creates an emitter writing into dir.
func NewEmitter(logger zerolog.Logger, dir string) *Emitter {
	return &Emitter{
		logger: logger.With().Str("component", "metrics").Logger(),
		dir:    dir,
	}
}

// Registry builds a fresh registry holding samples.
func Registry(samples []Sample) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, s := range samples {
		var c prometheus.Collector
		if s.Counter && s.Value >= 0 {
			ctr := prometheus.NewCounter(prometheus.CounterOpts{Name: s.Name, Help: s.Help, ConstLabels: s.Labels})
			ctr.Add(s.Value)
			c = ctr
		} else {
			g := prometheus.NewGauge(prometheus.GaugeOpts{Name: s.Name, Help: s.Help, ConstLabels: s.Labels})
			g.Set(s.Value)
			c = g
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", s.Name, err)
		}
	}
	return reg, nil
}

// Write replaces file in the emitter's directory with samples. Readers see
// either the previous file or the complete new one.
func (e *Emitter) Write(file string, samples []Sample) error {
	reg, err := Registry(samples)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", e.dir, err)
	}
	path := filepath.Join(e.dir, file)
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	e.logger.Debug().Str("file", path).Int("samples", len(samples)).Msg("wrote metrics")
	return nil
}

// FileName returns the textfile name for one concern and subject, e.g.
// FileName("restic_backup", "db") = "restic_backup_db.prom".
func FileName(kind, name string) string {
	return kind + "_" + sanitize(name) + ".prom"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// Bool converts a pass/fail flag to the 1/0 convention of status gauges.
func Bool(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
