// Package scheduler batches flagged tasks behind a collection window and
// never flushes while the external session is busy.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/msageha/rdr/internal/logging"
)

type State int

const (
	StateIdle State = iota
	StateCollecting
	StateFlushing
	StateRetryWait
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateFlushing:
		return "flushing"
	case StateRetryWait:
		return "retry_wait"
	default:
		return "idle"
	}
}

// BusyProbe answers whether the external session must not be interrupted.
type BusyProbe interface {
	IsBusy(ctx context.Context) (bool, error)
}

// FlushFunc processes one cycle and returns ids that must wait for the next.
type FlushFunc func(ctx context.Context, ids []string) (requeue []string)

type Config struct {
	CollectionWindow time.Duration
	BusyRetry        time.Duration
}

// Scheduler is a small state machine: Idle -> Collecting -> Flushing ->
// (Idle | RetryWait). At most one timer is armed at a time; every re-arm
// bumps gen so a stale callback becomes a no-op.
type Scheduler struct {
	mu      sync.Mutex
	state   State
	pending map[string]struct{}
	timer   Timer
	gen     uint64
	stopped bool
	flushes int
	// inflight counts running flushes; Add only happens under mu while
	// not stopped, so Stop can Wait after flipping stopped.
	inflight sync.WaitGroup

	cfg    Config
	clock  Clock
	probe  BusyProbe
	flush  FlushFunc
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger
}

func New(cfg Config, clock Clock, probe BusyProbe, flush FlushFunc, logger *logging.Logger) *Scheduler {
	if cfg.CollectionWindow <= 0 {
		cfg.CollectionWindow = 30 * time.Second
	}
	if cfg.BusyRetry <= 0 {
		cfg.BusyRetry = 60 * time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pending: make(map[string]struct{}),
		cfg:     cfg,
		clock:   clock,
		probe:   probe,
		flush:   flush,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("scheduler"),
	}
}

// Enqueue adds ids to the pending set. A newly seen id (re)starts the
// collection window unless the scheduler is waiting out a busy session or
// flushing; ids added during a flush wait for the next cycle.
func (s *Scheduler) Enqueue(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.pending[id]; !ok {
			s.pending[id] = struct{}{}
			added++
		}
	}
	if added == 0 {
		return
	}
	s.logger.Debugf("enqueued=%d pending=%d state=%s", added, len(s.pending), s.state)

	switch s.state {
	case StateIdle, StateCollecting:
		s.armLocked(s.cfg.CollectionWindow, StateCollecting)
	}
}

// NotifyIdle is the event path: the session just proved it is idle, so
// whatever is pending flushes now without a busy check.
func (s *Scheduler) NotifyIdle() {
	s.mu.Lock()
	if s.stopped || s.state == StateFlushing || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	gen := s.gen
	s.mu.Unlock()

	s.logger.Debugf("idle event, flushing now")
	s.runFlush(gen)
}

// Kick schedules an immediate timer-path flush, busy check included.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.state == StateFlushing || len(s.pending) == 0 {
		return
	}
	s.armLocked(0, StateCollecting)
}

// Stop cancels the armed timer and waits for a running flush to return.
func (s *Scheduler) Stop() {
	s.StopTimeout(0)
}

// StopTimeout is Stop with the wait bounded by timeout; 0 waits forever.
// It reports whether no flush was still running when it returned.
func (s *Scheduler) StopTimeout(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.stopTimerLocked()
		s.cancel()
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	if timeout <= 0 {
		<-drained
	} else {
		select {
		case <-drained:
		case <-time.After(timeout):
			s.logger.Warnf("flush still running after %s", timeout)
			return false
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	return true
}

func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Flushes counts completed flush cycles.
func (s *Scheduler) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Scheduler) armLocked(d time.Duration, next State) {
	s.stopTimerLocked()
	gen := s.gen
	s.state = next
	s.timer = s.clock.AfterFunc(d, func() { s.onTimer(gen) })
}

// stopTimerLocked cancels the armed timer and invalidates its callback.
func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	busy := false
	if s.probe != nil {
		b, err := s.probe.IsBusy(s.ctx)
		if err != nil {
			s.logger.Warnf("busy probe failed, treating as busy: %v", err)
			b = true
		}
		busy = b
	}

	if busy {
		s.mu.Lock()
		if !s.stopped && gen == s.gen {
			s.logger.Infof("session busy, retrying in %s pending=%d", s.cfg.BusyRetry, len(s.pending))
			s.armLocked(s.cfg.BusyRetry, StateRetryWait)
		}
		s.mu.Unlock()
		return
	}
	s.runFlush(gen)
}

// runFlush swaps out the pending set and hands it to the flush function.
func (s *Scheduler) runFlush(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen || len(s.pending) == 0 {
		if !s.stopped && gen == s.gen {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(s.pending))
	for id := range s.pending {
		batch = append(batch, id)
	}
	sort.Strings(batch)
	s.pending = make(map[string]struct{})
	s.state = StateFlushing
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	s.logger.Infof("flushing tasks=%d", len(batch))
	var requeue []string
	if s.flush != nil {
		requeue = s.flush(s.ctx, batch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	for _, id := range requeue {
		s.pending[id] = struct{}{}
	}
	if s.stopped {
		return
	}
	s.state = StateIdle
	if len(s.pending) > 0 {
		s.armLocked(s.cfg.CollectionWindow, StateCollecting)
	}
}
