// Package lock serializes read-modify-write cycles on state files and keeps a
// single daemon per project.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Chain serializes operations per logical path into a FIFO chain. Callers
// queue in the order they reach WithLock; each waits for its predecessor's
// link to close before running.
type Chain struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewChain() *Chain {
	return &Chain{
		tails: make(map[string]chan struct{}),
	}
}

// Key normalizes a path so that different spellings of the same file share a chain.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// WithLock runs fn after every earlier caller for path has finished. The link
// is released even if fn returns an error or panics.
func (c *Chain) WithLock(path string, fn func() error) error {
	key := Key(path)
	done := make(chan struct{})

	c.mu.Lock()
	prev := c.tails[key]
	c.tails[key] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.tails[key] == done {
			delete(c.tails, key)
		}
		c.mu.Unlock()
		close(done)
	}()

	if prev != nil {
		<-prev
	}
	return fn()
}

// Pending reports how many keys currently have a chain in flight.
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tails)
}

// FileLock is an advisory cross-process lock that records the holder's PID.
type FileLock struct {
	path  string
	flock *flock.Flock
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, flock: flock.New(path)}
}

func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	ok, err := fl.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire lock %s: another daemon may be running", fl.path)
	}

	if err := os.WriteFile(fl.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
		_ = fl.flock.Unlock()
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if !fl.flock.Locked() {
		return nil
	}
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	_ = os.Remove(fl.path)
	return nil
}
