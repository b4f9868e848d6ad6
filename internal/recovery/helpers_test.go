package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/msageha/rdr/internal/lock"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/task"
)

type fixture struct {
	paths  model.Paths
	reader *task.Reader
	chain  *lock.Chain
	files  *updater
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("RDR_APPDATA", t.TempDir())
	paths := model.ResolvePaths(t.TempDir(), model.ApplyDefaults(model.Config{}))
	chain := lock.NewChain()
	files := newUpdater(chain)
	files.newBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }
	return &fixture{paths: paths, reader: task.NewReader(paths, nil), chain: chain, files: files}
}

func (f *fixture) writePrimary(t *testing.T, tf model.TaskFile) {
	t.Helper()
	writeJSON(t, f.paths.PrimaryTaskPath(tf.ID), tf)
}

func (f *fixture) writeWorktree(t *testing.T, tf model.TaskFile) {
	t.Helper()
	writeJSON(t, f.paths.WorktreeTaskPath(tf.ID), tf)
}

func (f *fixture) read(t *testing.T, id string) *task.Snapshot {
	t.Helper()
	s, err := f.reader.Read(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) load(t *testing.T, path string) *model.TaskFile {
	t.Helper()
	tf, err := task.LoadFile(path)
	require.NoError(t, err)
	return tf
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
