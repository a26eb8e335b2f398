package localize

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString_Localize(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "dir", "out.txt")
	require.NoError(t, (&String{Contents: "foo\nbar\n"}).Localize(context.Background(), dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "foo\nbar\n", string(got))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestJSON_Localize(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.json")
	contents := map[string]any{"a": 1, "b": []any{"x", "y"}}
	require.NoError(t, (&JSON{Contents: contents}).Localize(context.Background(), dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{"a": float64(1), "b": []any{"x", "y"}}, got)
}

func TestJSON_LocalizeUnencodable(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.json")
	err := (&JSON{Contents: make(chan int)}).Localize(context.Background(), dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
}

func TestLink_Localize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("linked"), 0o644))

	dest := filepath.Join(dir, "sub", "dest.txt")
	require.NoError(t, (&Link{Source: src}).Localize(context.Background(), dest))

	target, err := os.Readlink(dest)
	require.NoError(t, err)
	assert.Equal(t, src, target)

	// A second link onto an existing path fails with the filesystem error.
	err = (&Link{Source: src}).Localize(context.Background(), dest)
	assert.ErrorIs(t, err, os.ErrExist)
}
