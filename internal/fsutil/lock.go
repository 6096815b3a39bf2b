package fsutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// configured timeout.
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// DefaultLockTimeout bounds how long WithLock waits for a contended path.
const DefaultLockTimeout = 30 * time.Second

// lockTable serializes holders of the same path within this process. The
// sidecar flock below only guards against other processes; flock is
// re-entrant within a process so an in-process mutex is still required.
var lockTable = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: make(map[string]*sync.Mutex)}

func pathMutex(path string) *sync.Mutex {
	lockTable.mu.Lock()
	defer lockTable.mu.Unlock()
	m, ok := lockTable.locks[path]
	if !ok {
		m = &sync.Mutex{}
		lockTable.locks[path] = m
	}
	return m
}

// WithLock runs fn while holding an advisory lock on path. Holders of the
// same path are serialized within this process, and across processes on
// filesystems that support flock, via a "<path>.lock" sidecar file.
// The lock is released on every exit path of fn, including panics.
func WithLock(path string, fn func() error) error {
	return WithLockTimeout(path, DefaultLockTimeout, fn)
}

// WithLockTimeout is WithLock with an explicit acquisition timeout.
func WithLockTimeout(path string, timeout time.Duration, fn func() error) error {
	mu := pathMutex(path)
	mu.Lock()
	defer mu.Unlock()

	fl := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ok, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		return fmt.Errorf("failed to acquire lock for %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockTimeout, path)
	}
	defer fl.Unlock()

	return fn()
}
