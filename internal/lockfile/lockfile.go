// Package lockfile serializes sync operations on a project directory
// between processes.
//
// A Lock wraps an advisory file lock. Exclusive locks are taken by
// clone, pull and push on the clone directory and by receive on the
// project directory; the project watcher reloads under a shared lock.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/goeb/smit/internal/debug"
)

const (
	// FileName is the lock file created inside the project directory.
	FileName = ".smit-sync.lock"

	// DefaultTimeout applies when Acquire is given a negative timeout.
	DefaultTimeout = 30 * time.Second

	pollInterval = 50 * time.Millisecond
)

// ErrLockBusy is returned when the lock could not be taken in time.
var ErrLockBusy = errors.New("lock busy")

// Mode selects an exclusive or shared lock.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

// Lock is a held (or releasable) lock on a project directory.
type Lock struct {
	flock *flock.Flock
	mode  Mode
}

// Path returns the lock file path for the project in dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Acquire takes the lock of the project in dir, polling until it is
// obtained, ctx is done or timeout elapses. A zero timeout tries once.
func Acquire(ctx context.Context, dir string, mode Mode, timeout time.Duration) (*Lock, error) {
	if timeout < 0 {
		timeout = DefaultTimeout
	}
	l := &Lock{flock: flock.New(Path(dir)), mode: mode}
	start := time.Now()

	locked, err := l.try()
	if err != nil {
		return nil, err
	}
	if locked {
		debug.Logf("acquired %s sync lock immediately: %s\n", mode, l.flock.Path())
		return l, nil
	}
	if timeout == 0 {
		return nil, fmt.Errorf("%s lock on %s: %w", mode, dir, ErrLockBusy)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s lock on %s after %v (another sync may be running): %w",
				mode, dir, time.Since(start).Round(time.Millisecond), ErrLockBusy)
		case <-ticker.C:
		}
		locked, err := l.try()
		if err != nil {
			return nil, err
		}
		if locked {
			debug.Logf("acquired %s sync lock after %v: %s\n", mode, time.Since(start), l.flock.Path())
			return l, nil
		}
	}
}

func (l *Lock) try() (bool, error) {
	var (
		locked bool
		err    error
	)
	if l.mode == Shared {
		locked, err = l.flock.TryRLock()
	} else {
		locked, err = l.flock.TryLock()
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s lock %s: %w", l.mode, l.flock.Path(), err)
	}
	return locked, nil
}

// Release releases the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	debug.Logf("releasing %s sync lock: %s\n", l.mode, l.flock.Path())
	return l.flock.Unlock()
}

// With runs fn while holding an exclusive lock on dir.
func With(ctx context.Context, dir string, timeout time.Duration, fn func() error) error {
	l, err := Acquire(ctx, dir, Exclusive, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}
