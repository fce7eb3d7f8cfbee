// Package flock implements device locks on top of flock(2).
package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/aeg-devices/loki-update/pkg/lock"
)

const retryDelay = 100 * time.Millisecond

var (
	_ lock.Locker   = (*Lock)(nil)
	_ lock.Provider = (*Dir)(nil)
)

// Lock serialises holders in this process with a one slot channel and holders
// in other processes with a lock file. A fresh file handle is opened on every
// acquisition.
type Lock struct {
	path  string
	token chan struct{}
	held  *flock.Flock
}

// New creates a Lock backed by the file at path.
func New(path string) *Lock {
	return &Lock{path: path, token: make(chan struct{}, 1)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Lock blocks until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.token <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", l.path, ctx.Err())
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil || !ok {
		<-l.token
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.held = fl
	return nil
}

// TryLock acquires the lock only if it is free. It reports false when another
// holder owns it.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.token <- struct{}{}:
	default:
		return false, nil
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil || !ok {
		<-l.token
		if err != nil {
			return false, fmt.Errorf("flock %s: %w", l.path, err)
		}
		return false, nil
	}
	l.held = fl
	return true, nil
}

// Unlock releases the lock. Unlocking a free lock is a no-op.
func (l *Lock) Unlock(_ context.Context) error {
	var err error
	if l.held != nil {
		err = l.held.Unlock()
		l.held = nil
	}
	select {
	case <-l.token:
	default:
	}
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// Dir keeps one lock file per device inside a directory.
type Dir struct {
	dir string

	mu    sync.Mutex
	locks map[string]*Lock
}

// NewDir creates the lock directory if needed.
func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %w", dir, err)
	}
	return &Dir{dir: dir, locks: map[string]*Lock{}}, nil
}

// For returns the lock for device, reusing it across calls.
func (d *Dir) For(device string) lock.Locker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.locks[device]; ok {
		return l
	}
	l := New(filepath.Join(d.dir, device+".lock"))
	d.locks[device] = l
	return l
}
