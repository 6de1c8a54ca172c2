// Package lock provides the run-level mutual exclusion that keeps
// overlapping scheduled runs from touching the same parity root.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrAlreadyLocked is returned if another process holds the run lock.
var ErrAlreadyLocked = errors.New("another run is already in progress")

// RunLock is an exclusive advisory flock on a file under the parity root.
type RunLock struct {
	f *os.File
}

// Acquire opens (creating if necessary) the lock file at path and takes a
// non-blocking exclusive flock on it. ErrAlreadyLocked is returned if the
// lock is held elsewhere.
func Acquire(path string) (*RunLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating the lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening the lock file %q: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyLocked
		}

		return nil, fmt.Errorf("error locking %q: %w", path, err)
	}

	return &RunLock{f: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *RunLock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()

		return fmt.Errorf("error unlocking: %w", err)
	}

	return l.f.Close()
}
