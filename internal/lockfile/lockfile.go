// Package lockfile implements bounded-wait mutual exclusion between local
// processes sharing one tracking root. A lock is an exclusively created file
// on the shared filesystem, so it is visible to (and honored by) every
// process that follows the same protocol. Locks guard only the short
// read-modify-write sections around shared counters; they are never held
// across bulk work such as artifact copies.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryInterval is the constant pause between acquisition attempts.
// Contention windows are tiny (a directory scan plus one mkdir), so a short
// fixed interval beats an exponential schedule here.
const retryInterval = 10 * time.Millisecond

// ErrTimeout reports that the lock could not be acquired within the caller's
// bound, which usually means contention or a stale lock file left behind by
// a killed process.
var ErrTimeout = errors.New("timed out waiting for lock")

// Lock represents a held lock file. Release removes it.
type Lock struct {
	path string
}

// Acquire takes the lock at path, retrying until timeout elapses or ctx is
// canceled. The lock file records the owning PID to make a stale lock
// diagnosable by hand.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return err // still held, retry
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(path)
			return backoff.Permanent(werr)
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.NewConstantBackOff(retryInterval), ctx))
	if err != nil {
		if errors.Is(err, fs.ErrExist) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return nil, fmt.Errorf("failed to acquire lock %q: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file, making the lock available to other callers.
// Releasing twice is harmless.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release lock %q: %w", l.path, err)
	}
	return nil
}
