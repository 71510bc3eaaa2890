// Package lock provides non-blocking, process-scoped file locks. A lock is
// released by the kernel when its holder dies, which is what lets the stale
// hold sweep tell a crashed job from a running one.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// AcquireWait bounds how long TryAcquire retries a contended lock. IsHeld
// takes the lock for an instant, so a run must not be refused by that.
var AcquireWait = time.Second

const retryDelay = 10 * time.Millisecond

// Lock is an acquired file lock.
type Lock struct {
	fl *flock.Flock
}

// TryAcquire takes the lock at path, retrying for at most AcquireWait.
// Overlapping runs get ErrLocked instead of queueing behind each other.
func TryAcquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, AcquireWait)
	defer cancel()

	fl := flock.New(path)
	ok, err := fl.TryLockContext(waitCtx, retryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks. The lock file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// IsHeld reports whether some process currently holds the lock at path.
// A missing lock file means nobody holds it.
func IsHeld(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		// Unreadable lock file: assume held rather than risk touching a live run.
		return true
	}
	if ok {
		_ = fl.Unlock()
		return false
	}
	return true
}

// Dir names lock files under a state directory.
type Dir string

// Job returns the lock path for a backup job.
func (d Dir) Job(name string) string {
	return filepath.Join(string(d), "backup-"+name+".lock")
}

// Repository returns the lock path for repository-scoped work of kind
// ("verify", "restore-test").
func (d Dir) Repository(kind, name string) string {
	return filepath.Join(string(d), kind+"-"+name+".lock")
}

// Analyzer returns the single-instance lock path of the error analyzer.
func (d Dir) Analyzer() string {
	return filepath.Join(string(d), "analyzer.lock")
}

// JobRunning reports whether a backup job currently holds its instance lock.
func (d Dir) JobRunning(name string) bool {
	return IsHeld(d.Job(name))
}
