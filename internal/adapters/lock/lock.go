// Package lock implements the run lock using a real advisory flock(2),
// rather than directory/PID bookkeeping: blue-backup needs a single
// non-blocking exclusive lock per target root, held for the lifetime of one
// process, with no stale-lock recovery semantics to get right.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/udifuchs/blue-backup/internal/usecase"
)

// Adapter implements usecase.Lock with golang.org/x/sys/unix.Flock.
type Adapter struct{}

// New creates a lock adapter.
func New() *Adapter {
	return &Adapter{}
}

// TryAcquire opens (creating if necessary) the lock file at path and takes a
// non-blocking exclusive flock on it.
func (a *Adapter) TryAcquire(ctx context.Context, path string) (usecase.LockHandle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // lock file is not secret
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf(
				"Failed locking %s: [Errno 11] Resource temporarily unavailable: %w",
				path, usecase.ErrLockBusy,
			)
		}
		return nil, fmt.Errorf("Failed locking %s: %w", path, err)
	}

	return &handle{f: f}, nil
}

type handle struct {
	f *os.File
}

// Release drops the flock and closes the file.
func (h *handle) Release() error {
	_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	return h.f.Close()
}

var _ usecase.Lock = (*Adapter)(nil)
