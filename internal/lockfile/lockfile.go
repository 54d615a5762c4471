// Package lockfile provides bounded-wait advisory file locks via flock(2).
//
// Locks coordinate separate OS processes: each connected caller runs its own
// worker process, so in-process mutexes cannot serialize access to the shared
// data directory. flock locks are released by the kernel when the holding
// process exits, so a crashed worker never leaves an agent permanently
// locked.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when a lock could not be acquired within its bound.
// Distinct from other failures so callers can treat it as retryable.
var ErrTimeout = errors.New("lockfile: acquisition timed out")

// Retry interval between non-blocking acquisition attempts.
const pollInterval = 10 * time.Millisecond

// Info identifies the current or last exclusive holder of a lock, for
// diagnosability only — correctness comes from the flock itself.
type Info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held advisory lock. Release it on every exit path.
type Lock struct {
	f    *os.File
	path string
}

// AcquireExclusive acquires an exclusive lock on path, creating the file if
// needed, waiting at most timeout. On success the holder's identity is
// written into the lock file. Returns ErrTimeout (wrapped) when the bound is
// exceeded, or the context error if ctx is done first.
func AcquireExclusive(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	l, err := acquire(ctx, path, timeout, unix.LOCK_EX)
	if err != nil {
		return nil, err
	}
	l.writeInfo()
	return l, nil
}

// AcquireShared acquires a shared lock on path with the same bounded wait.
// Multiple readers hold it concurrently; an exclusive holder excludes all.
func AcquireShared(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	return acquire(ctx, path, timeout, unix.LOCK_SH)
}

func acquire(ctx context.Context, path string, timeout time.Duration, how int) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f, path: path}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("lockfile: %s held past %s: %w", path, timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release unlocks and closes the lock file. The file itself is left in
// place: removing lock files while other processes may hold descriptors to
// them races the flock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return fmt.Errorf("lockfile: unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("lockfile: close %s: %w", l.path, closeErr)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// writeInfo records the holder identity in the lock file. Best effort: a
// failed write never blocks the cycle that holds the lock.
func (l *Lock) writeInfo() {
	host, _ := os.Hostname()
	data, err := json.Marshal(Info{
		PID:        os.Getpid(),
		Hostname:   host,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := l.f.Truncate(0); err != nil {
		return
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return
	}
}

// ReadInfo reads the holder identity from a lock file. Returns an error when
// the file is missing or has never been held exclusively.
func ReadInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("lockfile: read %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("lockfile: parse %s: %w", path, err)
	}
	return info, nil
}
