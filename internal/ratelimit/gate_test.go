package ratelimit

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/rdr/internal/events"
	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.EventType
}

func (p *recordingPublisher) Publish(t events.EventType, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.EventType(nil), p.events...)
}

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestGate(t *testing.T) (*Gate, *fakeNow, *recordingPublisher, string) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "rate_gate.json")
	pub := &recordingPublisher{}
	clock := &fakeNow{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	g := NewGate(Config{StatePath: statePath}, pub, nil)
	g.now = clock.now
	return g, clock, pub, statePath
}

func TestGate_WarningDoesNotBlock(t *testing.T) {
	g, clock, pub, _ := newTestGate(t)
	resetAt := clock.t.Add(time.Hour)

	d := g.CheckAndGate(79, resetAt)
	assert.Equal(t, Decision{}, d)
	assert.False(t, g.State().Warning)

	d = g.CheckAndGate(80, resetAt)
	assert.Equal(t, Decision{Blocked: false, Warning: true}, d)
	assert.True(t, g.State().Warning)
	assert.False(t, g.Blocked())
	assert.Equal(t, []events.EventType{events.EventRateLimitWarning}, pub.types())
}

func TestGate_PauseBlocks(t *testing.T) {
	g, clock, pub, statePath := newTestGate(t)
	resetAt := clock.t.Add(30 * time.Minute)

	d := g.CheckAndGate(99, resetAt)
	assert.False(t, d.Blocked)

	d = g.CheckAndGate(100, resetAt)
	assert.True(t, d.Blocked)
	assert.True(t, g.Blocked())

	st := g.State()
	assert.True(t, st.Paused)
	assert.Equal(t, clock.t.UnixMilli(), st.PausedAt)
	assert.Equal(t, resetAt.UnixMilli(), st.RateLimitResetAt)
	assert.Contains(t, pub.types(), events.EventRateLimited)

	var persisted model.RateGateState
	require.NoError(t, jsonfile.Read(statePath, &persisted))
	assert.True(t, persisted.Paused)

	// Lower readings do not reopen a paused gate.
	d = g.CheckAndGate(10, resetAt)
	assert.True(t, d.Blocked)
}

func TestGate_AutoClearsAtReset(t *testing.T) {
	g, clock, pub, statePath := newTestGate(t)
	resetAt := clock.t.Add(time.Minute)

	var cleared []string
	g.OnClear(func(reason string) { cleared = append(cleared, reason) })

	g.CheckAndGate(100, resetAt)
	require.True(t, g.Blocked())

	clock.advance(59 * time.Second)
	assert.True(t, g.Blocked())

	clock.advance(time.Second)
	assert.False(t, g.Blocked())

	st := g.State()
	assert.False(t, st.Paused)
	assert.False(t, st.Warning)
	assert.Equal(t, []string{ReasonResetElapsed}, cleared)
	assert.Contains(t, pub.types(), events.EventRateLimitCleared)

	var persisted model.RateGateState
	require.NoError(t, jsonfile.Read(statePath, &persisted))
	assert.False(t, persisted.Paused)
}

func TestGate_ResumeClears(t *testing.T) {
	g, clock, _, _ := newTestGate(t)

	var cleared []string
	g.OnClear(func(reason string) { cleared = append(cleared, reason) })

	assert.False(t, g.Resume("manual"), "resume on an open gate is a no-op")

	g.CheckAndGate(120, clock.t.Add(time.Hour))
	assert.True(t, g.Resume("operator"))
	assert.False(t, g.Blocked())
	assert.Equal(t, []string{"operator"}, cleared)
}

func TestGate_PauseWithoutResetNeedsResume(t *testing.T) {
	g, clock, _, _ := newTestGate(t)

	g.CheckAndGate(100, time.Time{})
	clock.advance(24 * time.Hour)
	assert.True(t, g.Blocked())

	g.Resume("")
	assert.False(t, g.Blocked())
}

func TestGate_StaleReadingIgnored(t *testing.T) {
	g, clock, _, _ := newTestGate(t)

	d := g.CheckAndGate(100, clock.t.Add(-time.Minute))
	assert.False(t, d.Blocked)
	assert.False(t, g.State().Paused)
}

func TestGate_WarningClearsWhenUsageDrops(t *testing.T) {
	g, clock, _, _ := newTestGate(t)
	resetAt := clock.t.Add(time.Hour)

	g.CheckAndGate(85, resetAt)
	require.True(t, g.State().Warning)
	d := g.CheckAndGate(40, resetAt)
	assert.False(t, d.Warning)
	assert.False(t, g.State().Warning)
}

func TestGate_LoadRestoresActivePause(t *testing.T) {
	g, clock, _, statePath := newTestGate(t)
	g.CheckAndGate(100, clock.t.Add(time.Hour))

	restored := NewGate(Config{StatePath: statePath}, nil, nil)
	restored.now = clock.now
	require.NoError(t, restored.Load())
	assert.True(t, restored.Blocked())
}

func TestGate_LoadAutoClearsElapsedPause(t *testing.T) {
	g, clock, _, statePath := newTestGate(t)
	g.CheckAndGate(100, clock.t.Add(time.Minute))

	clock.advance(2 * time.Minute)
	restored := NewGate(Config{StatePath: statePath}, nil, nil)
	restored.now = clock.now

	clearedCh := make(chan string, 1)
	restored.OnClear(func(reason string) { clearedCh <- reason })
	require.NoError(t, restored.Load())

	assert.False(t, restored.Blocked())
	assert.Equal(t, ReasonResetElapsed, <-clearedCh)
}

func TestGate_LoadMissingFile(t *testing.T) {
	g := NewGate(Config{StatePath: filepath.Join(t.TempDir(), "none.json")}, nil, nil)
	assert.NoError(t, g.Load())
	assert.False(t, g.Blocked())
}

func TestGate_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate_gate.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	g := NewGate(Config{StatePath: path}, nil, nil)
	assert.Error(t, g.Load())
}

func TestGate_PersistUnlocked(t *testing.T) {
	g, clock, _, statePath := newTestGate(t)
	g.CheckAndGate(100, clock.t.Add(time.Hour))
	require.NoError(t, os.Remove(statePath))

	require.NoError(t, g.PersistUnlocked())
	var persisted model.RateGateState
	require.NoError(t, jsonfile.Read(statePath, &persisted))
	assert.True(t, persisted.Paused)
}

func TestGate_CustomThresholds(t *testing.T) {
	g := NewGate(ConfigFrom(model.RateGateConfig{WarningPercent: 50, PausePercent: 90}, ""), nil, nil)
	future := time.Now().Add(time.Hour)

	assert.True(t, g.CheckAndGate(50, future).Warning)
	assert.True(t, g.CheckAndGate(90, future).Blocked)
}
