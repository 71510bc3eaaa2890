package analyzer

import (
	"fmt"
	"time"

	"github.com/edvin/snapbackup/internal/fsutil"
)

type watermarkFile struct {
	Watermark time.Time `json:"watermark"`
}

// Watermark persists the boundary between processed and unprocessed events.
type Watermark struct {
	path string
}

func NewWatermark(path string) *Watermark {
	return &Watermark{path: path}
}

// Load returns the stored watermark, or fallback when none was stored yet.
func (w *Watermark) Load(fallback time.Time) (time.Time, error) {
	var f watermarkFile
	found, err := fsutil.ReadJSON(w.path, &f)
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark: %w", err)
	}
	if !found || f.Watermark.IsZero() {
		return fallback, nil
	}
	return f.Watermark, nil
}

// Advance stores t if it is after the current watermark. It never moves the
// watermark backwards and reports whether it moved.
func (w *Watermark) Advance(current, t time.Time) (bool, error) {
	if !t.After(current) {
		return false, nil
	}
	if err := fsutil.WriteJSONAtomic(w.path, watermarkFile{Watermark: t.UTC()}); err != nil {
		return false, fmt.Errorf("store watermark: %w", err)
	}
	return true, nil
}
