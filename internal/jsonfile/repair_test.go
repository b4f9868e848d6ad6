package jsonfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepair_ValidInputUnchanged(t *testing.T) {
	in := []byte(`{"a":[1,2,3]}`)
	res, err := Repair(in)
	require.NoError(t, err)
	assert.Equal(t, in, res.Content)
	assert.Empty(t, res.Fixes)
}

func TestRepair_TrailingCommaAndMissingBrace(t *testing.T) {
	broken := `{"id":"t1","phases":[{"name":"a","subtasks":[]},],"metadata":{"attempt_count":1}`
	want := `{"id":"t1","phases":[{"name":"a","subtasks":[]}],"metadata":{"attempt_count":1}}`

	res, err := Repair([]byte(broken))
	require.NoError(t, err)

	var got, expected any
	require.NoError(t, json.Unmarshal(res.Content, &got))
	require.NoError(t, json.Unmarshal([]byte(want), &expected))
	assert.Equal(t, expected, got)
	assert.Contains(t, res.Fixes, FixTrailingCommas)
	assert.Contains(t, res.Fixes, FixBalancedBrackets)
}

func TestRepair_Cases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing comma in object", `{"a":1,}`, `{"a":1}`},
		{"trailing comma in array", `[1,2, ]`, `[1,2]`},
		{"truncated after comma", `{"a":1,`, `{"a":1}`},
		{"missing array closer before brace", `{"a":[1,2}`, `{"a":[1,2]}`},
		{"stray closer", `{"a":1}}`, `{"a":1}`},
		{"nested unclosed", `{"a":{"b":[{"c":1}`, `{"a":{"b":[{"c":1}]}}`},
		{"unterminated string", `{"a":"xy`, `{"a":"xy"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Repair([]byte(tt.in))
			require.NoError(t, err)
			var got, want any
			require.NoError(t, json.Unmarshal(res.Content, &got))
			require.NoError(t, json.Unmarshal([]byte(tt.want), &want))
			assert.Equal(t, want, got)
		})
	}
}

func TestRepair_CommasInsideStringsPreserved(t *testing.T) {
	in := `{"note":"a, ]b,}","x":[1,],`
	res, err := Repair([]byte(in))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(res.Content, &got))
	assert.Equal(t, "a, ]b,}", got["note"])
	assert.Equal(t, []any{1.0}, got["x"])
}

func TestRepair_Unfixable(t *testing.T) {
	_, err := Repair([]byte(`{"a": tru`))
	assert.True(t, errors.Is(err, ErrUnfixable))
}

func TestReadBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.json")

	_, err := ReadBackup(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path+".bak", []byte(`{"a":`), 0644))
	_, err = ReadBackup(path)
	assert.True(t, errors.Is(err, ErrUnfixable))

	require.NoError(t, os.WriteFile(path+".bak", []byte(`{"a":1}`), 0644))
	content, err := ReadBackup(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(content))
}
