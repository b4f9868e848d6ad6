package probe

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/msageha/rdr/internal/model"
)

func writePID(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PIDFileName), []byte(content), 0644))
}

func TestPIDFile(t *testing.T) {
	root := t.TempDir()
	p := NewPIDFile(func(id string) string { return filepath.Join(root, id) })
	ctx := context.Background()

	alive, err := p.IsAgentAlive(ctx, "none")
	require.NoError(t, err)
	assert.False(t, alive, "missing pid file")

	writePID(t, filepath.Join(root, "self"), strconv.Itoa(os.Getpid())+"\n")
	alive, err = p.IsAgentAlive(ctx, "self")
	require.NoError(t, err)
	assert.True(t, alive)

	writePID(t, filepath.Join(root, "junk"), "not-a-pid")
	_, err = p.IsAgentAlive(ctx, "junk")
	assert.Error(t, err)
}

func TestPIDFile_SignalResults(t *testing.T) {
	root := t.TempDir()
	writePID(t, filepath.Join(root, "t"), "4242")
	p := NewPIDFile(func(id string) string { return filepath.Join(root, id) })

	p.signal = func(int) error { return unix.ESRCH }
	alive, err := p.IsAgentAlive(context.Background(), "t")
	require.NoError(t, err)
	assert.False(t, alive)

	p.signal = func(int) error { return unix.EPERM }
	alive, err = p.IsAgentAlive(context.Background(), "t")
	require.NoError(t, err)
	assert.True(t, alive)

	p.signal = func(int) error { return unix.EINVAL }
	_, err = p.IsAgentAlive(context.Background(), "t")
	assert.Error(t, err)
}

func TestUsageFile(t *testing.T) {
	u := NewUsageFile(filepath.Join(t.TempDir(), "usage.json"))

	usage, err := u.SessionUsage(context.Background())
	require.NoError(t, err)
	assert.Nil(t, usage)

	reset := time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)
	require.NoError(t, u.Write(model.Usage{Percent: 87.5, ResetAt: reset}))

	usage, err = u.SessionUsage(context.Background())
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, 87.5, usage.Percent)
	assert.True(t, reset.Equal(usage.ResetAt))
}

func TestUsageFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err := NewUsageFile(path).SessionUsage(context.Background())
	assert.Error(t, err)
}
