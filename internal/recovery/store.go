package recovery

import (
	"sync"
	"time"
)

// Store keeps per-task attempt times for the engine instance that owns it.
type Store struct {
	mu       sync.Mutex
	last     map[string]time.Time
	cooldown time.Duration
}

func NewStore(cooldown time.Duration) *Store {
	return &Store{last: make(map[string]time.Time), cooldown: cooldown}
}

func (s *Store) Mark(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[id] = at
}

// InCooldown reports whether id was attempted less than the cooldown ago.
func (s *Store) InCooldown(id string, now time.Time) bool {
	if s.cooldown <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[id]
	return ok && now.Sub(t) < s.cooldown
}

// Forget drops id's cooldown once its incident is over.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, id)
}
