// Package eventlog writes and scans the append-only JSON-lines event logs
// shared by backup, verification and restore-test runs.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/juju/clock"

	"github.com/edvin/snapbackup/internal/model"
)

// Stream file names, one logical stream per concern.
const (
	StreamBackup       = "backup-jobs.jsonl"
	StreamVerification = "verification.jsonl"
	StreamRestoreTest  = "restore-tests.jsonl"
)

// maxMessageBytes keeps single lines small enough that O_APPEND writes from
// concurrent jobs do not interleave.
const maxMessageBytes = 1024

// Writer appends LogEvents to stream files under dir.
type Writer struct {
	dir      string
	hostname string
	clock    clock.Clock
	mu       sync.Mutex
}

// NewWriter creates a writer. Events without a timestamp or hostname get the
// writer's.
func NewWriter(dir, hostname string, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Writer{dir: dir, hostname: hostname, clock: clk}
}

// Dir returns the directory the writer appends to.
func (w *Writer) Dir() string { return w.dir }

// Append writes ev as a single line to stream.
func (w *Writer) Append(stream string, ev model.LogEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.clock.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Hostname == "" {
		ev.Hostname = w.hostname
	}
	if len(ev.ErrorMessage) > maxMessageBytes {
		ev.ErrorMessage = tail(ev.ErrorMessage, maxMessageBytes)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create event log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(w.dir, stream), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", stream, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append event to %s: %w", stream, err)
	}
	return f.Close()
}

// tail returns at most max trailing bytes of s, starting on a rune boundary.
func tail(s string, max int) string {
	i := len(s) - max
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// ScanResult reports what a scan saw besides the events themselves.
type ScanResult struct {
	Files     int
	Events    int
	Malformed int
}

// Scan calls fn for every event in the *.jsonl files of dir modified at or
// after modifiedSince. A zero modifiedSince scans every file. Malformed lines
// are counted and skipped.
func Scan(dir string, modifiedSince time.Time, fn func(model.LogEvent)) (ScanResult, error) {
	var res ScanResult

	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return res, fmt.Errorf("list event logs: %w", err)
	}
	sort.Strings(paths)

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return res, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() || (!modifiedSince.IsZero() && info.ModTime().Before(modifiedSince)) {
			continue
		}
		if err := scanFile(p, fn, &res); err != nil {
			return res, err
		}
		res.Files++
	}
	return res, nil
}

func scanFile(path string, fn func(model.LogEvent), res *ScanResult) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev model.LogEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Timestamp.IsZero() || ev.Event == "" {
			res.Malformed++
			continue
		}
		res.Events++
		fn(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
