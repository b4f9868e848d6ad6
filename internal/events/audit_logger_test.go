package events

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuditLogger_CreatesFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "events.jsonl")

	l, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(logPath)
	assert.NoError(t, err)
	assert.Equal(t, logPath, l.Path())
}

func TestAuditLogger_Record(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Record(Event{
		Type:      EventTaskProcessed,
		Timestamp: ts,
		Data:      map[string]any{"task_id": "t1", "batch_type": "incomplete", "outcome": "restarted"},
	}))
	require.NoError(t, l.Record(Event{Type: EventRateLimited}))
	require.NoError(t, l.Close())

	entries, err := ReadEntries(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "task_processed", entries[0].EventType)
	assert.Equal(t, "t1", entries[0].TaskID)
	assert.Equal(t, "incomplete", entries[0].BatchType)
	assert.True(t, ts.Equal(entries[0].Timestamp))
	assert.Equal(t, "restarted", entries[0].Details["outcome"])

	assert.Equal(t, "rate_limited", entries[1].EventType)
	assert.False(t, entries[1].Timestamp.IsZero())
}

func TestAuditLogger_AppendsAcrossReopen(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")

	l1, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	require.NoError(t, l1.Record(Event{Type: EventBatchReady}))
	require.NoError(t, l1.Close())

	l2, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)
	assert.Greater(t, l2.Size(), int64(0))
	require.NoError(t, l2.Record(Event{Type: EventBatchReady}))
	require.NoError(t, l2.Close())

	entries, err := ReadEntries(logPath)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.jsonl")

	l, err := NewAuditLogger(logPath, 300)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Record(Event{
			Type: EventTaskProcessed,
			Data: map[string]any{"task_id": "task-with-a-long-identifier", "n": i},
		}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	assert.LessOrEqual(t, l.Size(), int64(300))
}

func TestAuditLogger_WriteAfterClose(t *testing.T) {
	l, err := NewAuditLogger(filepath.Join(t.TempDir(), "events.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())
	assert.Error(t, l.Record(Event{Type: EventBatchReady}))
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.Record(Event{Type: EventTaskProcessed, Data: map[string]any{"n": n}})
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	entries, err := ReadEntries(logPath)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestAuditLogger_SubscribedToBus(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewAuditLogger(logPath, 0)
	require.NoError(t, err)

	bus := NewBus(10)
	bus.SubscribeAll(func(e Event) { _ = l.Record(e) })
	bus.Publish(EventRateLimitCleared, map[string]any{"reason": "manual"})
	bus.Close()
	require.NoError(t, l.Close())

	entries, err := ReadEntries(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rate_limit_cleared", entries[0].EventType)
}
