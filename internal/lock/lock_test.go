package lock

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestChain_RunsFn(t *testing.T) {
	c := NewChain()
	ran := false
	if err := c.WithLock("/tmp/a.json", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}
	if !ran {
		t.Fatal("fn was not called")
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending chains, got %d", c.Pending())
	}
}

func TestChain_PropagatesError(t *testing.T) {
	c := NewChain()
	want := errors.New("boom")
	if err := c.WithLock("/tmp/a.json", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	// Chain must be released after an error.
	if err := c.WithLock("/tmp/a.json", func() error { return nil }); err != nil {
		t.Fatalf("second WithLock failed: %v", err)
	}
}

func TestChain_ReleasesAfterPanic(t *testing.T) {
	c := NewChain()
	func() {
		defer func() { _ = recover() }()
		_ = c.WithLock("/tmp/p.json", func() error { panic("fn panic") })
	}()

	done := make(chan struct{})
	go func() {
		_ = c.WithLock("/tmp/p.json", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chain not released after panic")
	}
}

func TestChain_FIFOOrder(t *testing.T) {
	c := NewChain()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = c.WithLock("/tmp/f.json", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = c.WithLock("/tmp/f.json", func() error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// Give each goroutine time to enqueue before the next one.
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestChain_SamePathSpellingsShareChain(t *testing.T) {
	c := NewChain()
	var inside int32
	var overlap int32

	var wg sync.WaitGroup
	for _, p := range []string{"/tmp/x/../y.json", "/tmp/y.json", "/tmp//y.json"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_ = c.WithLock(path, func() error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}(p)
	}
	wg.Wait()

	if overlap != 0 {
		t.Fatal("operations on the same logical path overlapped")
	}
}

func TestChain_DifferentKeysIndependent(t *testing.T) {
	c := NewChain()
	hold := make(chan struct{})
	go func() {
		_ = c.WithLock("/tmp/one.json", func() error { <-hold; return nil })
	}()

	done := make(chan struct{})
	go func() {
		_ = c.WithLock("/tmp/two.json", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different key was blocked")
	}
	close(hold)
}

func TestChain_Concurrent(t *testing.T) {
	c := NewChain()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WithLock("shared", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "locks", "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "daemon.lock"))
	fl.TryLock()
	fl.Unlock()
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}
