package busy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/rdr/internal/model"
)

type stubSource struct {
	verdict Verdict
	err     error
	calls   int32
	delay   time.Duration
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Check(context.Context) (Verdict, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.verdict, s.err
}

func TestConnectionSource_TTL(t *testing.T) {
	c := NewConnectionSource(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	v, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictUnknown, v)

	assert.Equal(t, VerdictUnknown, c.Report(true))
	v, _ = c.Check(context.Background())
	assert.Equal(t, VerdictBusy, v)

	now = now.Add(2 * time.Minute)
	v, _ = c.Check(context.Background())
	assert.Equal(t, VerdictUnknown, v, "expired report")
}

func TestProbe_ConnectionWinsOverLog(t *testing.T) {
	logSrc := &stubSource{verdict: VerdictBusy}
	p := New(NewConnectionSource(time.Minute), logSrc, 0, nil)

	busy, err := p.IsBusy(context.Background())
	require.NoError(t, err)
	assert.True(t, busy, "log source decides while connection is unknown")

	p.ReportSession(false)
	before := atomic.LoadInt32(&logSrc.calls)
	busy, err = p.IsBusy(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)
	assert.Equal(t, before, atomic.LoadInt32(&logSrc.calls), "log source not consulted")
}

func TestProbe_NoInformationIsIdle(t *testing.T) {
	p := New(nil, nil, 0, nil)
	busy, err := p.IsBusy(context.Background())
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestProbe_ErrorIsBusy(t *testing.T) {
	p := New(nil, &stubSource{err: errors.New("permission denied")}, 0, nil)
	busy, err := p.IsBusy(context.Background())
	assert.Error(t, err)
	assert.True(t, busy)
}

func TestProbe_ConcurrentCallsShareEvaluation(t *testing.T) {
	src := &stubSource{verdict: VerdictIdle, delay: 50 * time.Millisecond}
	p := New(nil, src, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.IsBusy(context.Background())
		}()
	}
	wg.Wait()
	assert.Less(t, atomic.LoadInt32(&src.calls), int32(10))
}

func TestProbe_ReportIdleFiresHooks(t *testing.T) {
	p := New(nil, nil, 0, nil)
	fired := 0
	p.OnIdle(func() { fired++ })

	p.ReportSession(true)
	assert.Equal(t, 0, fired)
	p.ReportSession(false)
	assert.Equal(t, 1, fired)
}

func TestProbe_PollFiresOnTransition(t *testing.T) {
	src := &stubSource{verdict: VerdictBusy}
	p := New(nil, src, 0, nil)
	fired := 0
	p.OnIdle(func() { fired++ })

	p.Poll(context.Background())
	assert.Equal(t, 0, fired)

	src.verdict = VerdictIdle
	p.Poll(context.Background())
	assert.Equal(t, 1, fired)

	p.Poll(context.Background())
	assert.Equal(t, 1, fired, "idle to idle does not fire")
}

func TestLogSource_Verdicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	ls, err := NewLogSource(path, `(?i)thinking|running tool`, 10*time.Second)
	require.NoError(t, err)
	now := time.Now()
	ls.now = func() time.Time { return now }

	v, err := ls.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictUnknown, v, "missing log")

	require.NoError(t, os.WriteFile(path, []byte("line1\n> prompt ready\n"), 0644))
	old := now.Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	v, _ = ls.Check(context.Background())
	assert.Equal(t, VerdictIdle, v)

	// Unchanged quiet tail stays idle.
	v, _ = ls.Check(context.Background())
	assert.Equal(t, VerdictIdle, v)

	// Changed tail is busy even when mtime is old.
	require.NoError(t, os.WriteFile(path, []byte("line1\nline2\n"), 0644))
	require.NoError(t, os.Chtimes(path, old, old))
	v, _ = ls.Check(context.Background())
	assert.Equal(t, VerdictBusy, v)

	// Quiet tail matching the busy pattern.
	require.NoError(t, os.WriteFile(path, []byte("Thinking...\n"), 0644))
	require.NoError(t, os.Chtimes(path, old, old))
	_, _ = ls.Check(context.Background())
	v, _ = ls.Check(context.Background())
	assert.Equal(t, VerdictBusy, v)

	// Recently written log is busy.
	require.NoError(t, os.WriteFile(path, []byte("idle\n"), 0644))
	require.NoError(t, os.Chtimes(path, now, now))
	v, _ = ls.Check(context.Background())
	assert.Equal(t, VerdictBusy, v)
}

func TestNewLogSource_BadPattern(t *testing.T) {
	_, err := NewLogSource("x", "(", time.Second)
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	cfg := model.ApplyDefaults(model.Config{}).Busy
	p, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, p.log)

	cfg.LogPath = filepath.Join(t.TempDir(), "session.log")
	p, err = NewFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, p.log)
}

func TestProbe_RunStopsOnCancel(t *testing.T) {
	p := New(nil, &stubSource{verdict: VerdictIdle}, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
