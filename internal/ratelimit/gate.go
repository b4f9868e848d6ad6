// Package ratelimit implements the persisted circuit breaker that suspends
// recovery actions while the shared session quota is exhausted.
package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/msageha/rdr/internal/events"
	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
)

const (
	ReasonResetElapsed = "reset_elapsed"
	ReasonManual       = "manual"
)

type Config struct {
	WarningPercent float64
	PausePercent   float64
	// StatePath is where the state is persisted. Empty disables persistence.
	StatePath string
}

func ConfigFrom(cfg model.RateGateConfig, statePath string) Config {
	return Config{
		WarningPercent: cfg.WarningPercent,
		PausePercent:   cfg.PausePercent,
		StatePath:      statePath,
	}
}

type Decision struct {
	Blocked bool
	Warning bool
}

// Gate moves between open, warning and paused. Warning never blocks; paused
// blocks until the reset time passes or Resume is called.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	state   model.RateGateState
	onClear []func(reason string)

	pub    events.Publisher
	now    func() time.Time
	logger *logging.Logger
}

func NewGate(cfg Config, pub events.Publisher, logger *logging.Logger) *Gate {
	if cfg.WarningPercent <= 0 {
		cfg.WarningPercent = 80
	}
	if cfg.PausePercent <= 0 {
		cfg.PausePercent = 100
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gate{
		cfg:    cfg,
		pub:    pub,
		now:    time.Now,
		logger: logger.Named("rate_gate"),
	}
}

// OnClear registers fn to run after the gate reopens. Callbacks run outside
// the gate's lock.
func (g *Gate) OnClear(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onClear = append(g.onClear, fn)
}

// Load restores persisted state. A pause whose reset time already passed is
// cleared immediately.
func (g *Gate) Load() error {
	if g.cfg.StatePath == "" {
		return nil
	}
	var st model.RateGateState
	if err := jsonfile.Read(g.cfg.StatePath, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load rate gate state: %w", err)
	}

	g.mu.Lock()
	g.state = st
	cleared := g.autoClearLocked()
	g.mu.Unlock()

	if st.Paused && !cleared {
		g.logger.Warnf("restored pause reason=%q reset_at=%s", st.Reason, formatMillis(st.RateLimitResetAt))
	}
	if cleared {
		g.fireClear(ReasonResetElapsed)
	}
	return nil
}

// CheckAndGate feeds a usage reading into the gate and reports whether
// outbound actions are blocked.
func (g *Gate) CheckAndGate(usagePercent float64, resetAt time.Time) Decision {
	g.mu.Lock()
	now := g.now()
	cleared := g.autoClearLocked()

	var (
		dec        Decision
		justPaused bool
		warned     bool
	)
	switch {
	case g.state.Paused:
		if !resetAt.IsZero() && resetAt.After(now) {
			if ms := resetAt.UnixMilli(); ms != g.state.RateLimitResetAt {
				g.state.RateLimitResetAt = ms
				g.persistLocked()
			}
		}
		dec = Decision{Blocked: true, Warning: g.state.Warning}

	case !resetAt.IsZero() && !resetAt.After(now):
		// The quota already reset; the reading is stale.
		dec = Decision{Warning: g.state.Warning}

	case usagePercent >= g.cfg.PausePercent:
		g.state = model.RateGateState{
			Paused:   true,
			Warning:  true,
			Reason:   fmt.Sprintf("session usage %.0f%%", usagePercent),
			PausedAt: now.UnixMilli(),
		}
		if !resetAt.IsZero() {
			g.state.RateLimitResetAt = resetAt.UnixMilli()
		}
		g.persistLocked()
		justPaused = true
		dec = Decision{Blocked: true, Warning: true}

	default:
		warning := usagePercent >= g.cfg.WarningPercent
		if warning != g.state.Warning {
			g.state.Warning = warning
			g.persistLocked()
			warned = warning
		}
		dec = Decision{Warning: warning}
	}
	state := g.state
	g.mu.Unlock()

	if cleared {
		g.fireClear(ReasonResetElapsed)
	}
	if justPaused {
		g.logger.Warnf("paused usage=%.1f%% reset_at=%s", usagePercent, formatMillis(state.RateLimitResetAt))
		g.pub.Publish(events.EventRateLimited, map[string]any{
			"usage_percent": usagePercent,
			"reason":        state.Reason,
			"reset_at":      formatMillis(state.RateLimitResetAt),
		})
	}
	if warned {
		g.logger.Infof("warning usage=%.1f%%", usagePercent)
		g.pub.Publish(events.EventRateLimitWarning, map[string]any{
			"usage_percent": usagePercent,
		})
	}
	return dec
}

// Resume clears a pause on an explicit "rate limit cleared" signal. It
// reports whether the gate was paused.
func (g *Gate) Resume(reason string) bool {
	if reason == "" {
		reason = ReasonManual
	}
	g.mu.Lock()
	if !g.state.Paused {
		g.mu.Unlock()
		return false
	}
	g.clearLocked()
	g.mu.Unlock()

	g.fireClear(reason)
	return true
}

// Blocked re-checks the clock and reports whether the gate is paused.
func (g *Gate) Blocked() bool {
	g.mu.Lock()
	cleared := g.autoClearLocked()
	paused := g.state.Paused
	g.mu.Unlock()

	if cleared {
		g.fireClear(ReasonResetElapsed)
	}
	return paused
}

func (g *Gate) State() model.RateGateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// PersistUnlocked writes the current state without the atomic-write path.
// It is only for the shutdown signal handler.
func (g *Gate) PersistUnlocked() error {
	if g.cfg.StatePath == "" {
		return nil
	}
	return jsonfile.WriteUnlocked(g.cfg.StatePath, g.State())
}

func (g *Gate) autoClearLocked() bool {
	if !g.state.Paused || g.state.RateLimitResetAt == 0 {
		return false
	}
	if g.now().UnixMilli() < g.state.RateLimitResetAt {
		return false
	}
	g.clearLocked()
	return true
}

func (g *Gate) clearLocked() {
	g.state = model.RateGateState{}
	g.persistLocked()
}

func (g *Gate) persistLocked() {
	if g.cfg.StatePath == "" {
		return
	}
	if err := jsonfile.AtomicWrite(g.cfg.StatePath, g.state); err != nil {
		g.logger.Errorf("persist state: %v", err)
	}
}

func (g *Gate) fireClear(reason string) {
	g.logger.Infof("cleared reason=%s", reason)
	g.pub.Publish(events.EventRateLimitCleared, map[string]any{"reason": reason})

	g.mu.Lock()
	hooks := append([]func(string){}, g.onClear...)
	g.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
