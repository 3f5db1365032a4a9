package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquire_CreatesAndReleasesLockFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")

	lock, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, lock.Release())
	require.NoFileExists(t, path)

	// Releasing again is a no-op.
	require.NoError(t, lock.Release())
}

func TestAcquire_TimesOutWhileHeld(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")

	held, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), path, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second, "acquisition must not hang")
}

func TestAcquire_SucceedsAfterRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")

	held, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()

	lock, err := Acquire(context.Background(), path, 2*time.Second)
	require.NoError(t, err)
	lock.Release()
}

func TestAcquire_PermissionErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	start := time.Now()
	_, err := Acquire(context.Background(), filepath.Join(dir, ".lock"), 2*time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second, "permanent errors must fail fast")
}

// Only one goroutine may hold the lock at any instant.
func TestAcquire_MutualExclusion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")

	const workers = 8
	var holders int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := Acquire(context.Background(), path, 5*time.Second)
			require.NoError(t, err)

			mu.Lock()
			holders++
			require.EqualValues(t, 1, holders, "two goroutines held the lock at once")
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()

			require.NoError(t, lock.Release())
		}()
	}
	wg.Wait()
}
