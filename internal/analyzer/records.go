package analyzer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edvin/snapbackup/internal/fsutil"
	"github.com/edvin/snapbackup/internal/model"
)

// Records is the JSON-lines file of derived classifications. Only the
// analyzer writes it, under its instance lock.
type Records struct {
	path string
}

func NewRecords(path string) *Records {
	return &Records{path: path}
}

// Append adds recs to the end of the file.
func (r *Records) Append(recs []model.ErrorClassification) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode classification: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create records directory: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open classification records: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append classification records: %w", err)
	}
	return f.Close()
}

// Load reads every record. Unparseable lines are skipped.
func (r *Records) Load() ([]model.ErrorClassification, error) {
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open classification records: %w", err)
	}
	defer f.Close()

	var recs []model.ErrorClassification
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec model.ErrorClassification
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read classification records: %w", err)
	}
	return recs, nil
}

// Prune drops records older than cutoff and returns the survivors.
func (r *Records) Prune(cutoff time.Time) ([]model.ErrorClassification, error) {
	recs, err := r.Load()
	if err != nil {
		return nil, err
	}
	kept := recs[:0]
	for _, rec := range recs {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(recs) {
		return kept, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range kept {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode classification: %w", err)
		}
	}
	if err := fsutil.WriteFileAtomic(r.path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("rewrite classification records: %w", err)
	}
	return kept, nil
}
