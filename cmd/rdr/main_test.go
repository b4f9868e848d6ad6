package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		projectFlag = ""
		jsonOutput = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "rdr "+Version+"\n", out)
}

func TestInitThenClassify(t *testing.T) {
	t.Setenv("RDR_APPDATA", t.TempDir())
	dir := t.TempDir()

	_, err := run(t, "init", dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".rdr", "config.yaml"))
	require.NoError(t, err)

	taskPath := filepath.Join(dir, ".rdr", "specs", "t1", "task.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(taskPath), 0755))
	require.NoError(t, os.WriteFile(taskPath, []byte(`{
		"id": "t1", "status": "in-progress",
		"phases": [{"name": "a", "subtasks": [{"id": "1", "status": "completed"}, {"id": "2", "status": "pending"}]}]
	}`), 0644))

	out, err := run(t, "-C", dir, "classify", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "intervention:  incomplete (rule active)")
	assert.Contains(t, out, "batch:         recovery")
	assert.Contains(t, out, "1/2 (50%)")
}

func TestClassify_Missing(t *testing.T) {
	t.Setenv("RDR_APPDATA", t.TempDir())
	dir := t.TempDir()
	_, err := run(t, "init", dir)
	require.NoError(t, err)

	_, err = run(t, "-C", dir, "classify", "ghost")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

func TestEnqueue_DaemonNotRunning(t *testing.T) {
	t.Setenv("RDR_APPDATA", t.TempDir())
	dir, err := os.MkdirTemp("/tmp", "rdr-cli-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	_, err = run(t, "init", dir)
	require.NoError(t, err)

	_, err = run(t, "-C", dir, "enqueue", "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rdr daemon")
}

func TestSession_RejectsUnknownState(t *testing.T) {
	_, err := run(t, "session", "sleepy")
	assert.Error(t, err)
}
