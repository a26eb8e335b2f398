package executor

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/wdlharness/pkg/datafile"
	"github.com/me/wdlharness/pkg/fixture"
	"github.com/me/wdlharness/pkg/localize"
	"github.com/me/wdlharness/pkg/model"
)

func TestWorkflowInputs_Namespaced(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	bam := writeFile(t, filepath.Join(dir, "reads.bam"), "bam")
	df, err := datafile.New("", bam, nil, datafile.Options{})
	require.NoError(t, err)

	generated := filepath.Join(dir, "gen", "ref.fa")
	lazy, err := datafile.New("", generated, &localize.String{Contents: ">chr1\nACGT\n"}, datafile.Options{})
	require.NoError(t, err)

	inputsFile := filepath.Join(dir, "out", "inputs.json")
	doc, path, err := WorkflowInputs(ctx, map[string]any{
		"bam":     df,
		"ref":     fixture.File(lazy),
		"threads": 4,
		"name":    fixture.Literal("sample1"),
		"pairs":   []any{fixture.File(df), "x"},
		"meta":    map[string]any{"ref": lazy},
	}, inputsFile, "wf")
	require.NoError(t, err)
	assert.Equal(t, inputsFile, path)

	assert.Equal(t, bam, doc["wf.bam"])
	assert.Equal(t, generated, doc["wf.ref"])
	assert.Equal(t, 4, doc["wf.threads"])
	assert.Equal(t, "sample1", doc["wf.name"])
	assert.Equal(t, []any{bam, "x"}, doc["wf.pairs"])
	assert.Equal(t, map[string]any{"ref": generated}, doc["wf.meta"])

	// serialization materializes lazily localized files
	data, err := os.ReadFile(generated)
	require.NoError(t, err)
	assert.Equal(t, ">chr1\nACGT\n", string(data))

	var written map[string]any
	raw, err := os.ReadFile(inputsFile)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &written))
	assert.Equal(t, float64(4), written["wf.threads"])
	assert.Equal(t, bam, written["wf.bam"])
}

func TestWorkflowInputs_NoNamespace(t *testing.T) {
	doc, path, err := WorkflowInputs(context.Background(), map[string]any{"x": 1}, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path) })
	assert.Equal(t, map[string]any{"x": 1}, doc)
	assert.FileExists(t, path)
}

func TestWorkflowInputs_ReusesExistingFile(t *testing.T) {
	path := writeFile(t, filepath.Join(t.TempDir(), "inputs.json"), `{"wf.a": "from file"}`)

	doc, got, err := WorkflowInputs(context.Background(), map[string]any{"a": "ignored"}, path, "wf")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, map[string]any{"wf.a": "from file"}, doc)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"wf.a": "from file"}`, string(raw))
}

func TestWorkflowInputs_Empty(t *testing.T) {
	doc, path, err := WorkflowInputs(context.Background(), nil, "", "wf")
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Empty(t, path)
}

func TestSerialize_NilPointers(t *testing.T) {
	var df *datafile.DataFile
	got, err := Serialize(context.Background(), map[string]any{"f": df, "v": (*fixture.Value)(nil)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"f": nil, "v": nil}, got)
}

func TestWorkflowInputs_MaterializationFailure(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.New("", filepath.Join(dir, "missing.txt"), failingLocalizer{}, datafile.Options{})
	require.NoError(t, err)

	_, _, err = WorkflowInputs(context.Background(), map[string]any{"f": df}, "", "wf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialize input f")
}

type failingLocalizer struct{}

func (failingLocalizer) Localize(context.Context, string) error {
	return errors.New("boom")
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestWorkflowImports(t *testing.T) {
	root := t.TempDir()
	d1 := filepath.Join(root, "one")
	d2 := filepath.Join(root, "two")
	writeFile(t, filepath.Join(d1, "a.wdl"), "version 1.0\n")
	writeFile(t, filepath.Join(d1, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(d1, "nested", "deep.wdl"), "ignored")
	writeFile(t, filepath.Join(d2, "b.wdl"), "version 1.0\n")

	out := filepath.Join(root, "zips", "imports.zip")
	path, err := WorkflowImports([]string{d1, d2}, out, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, out, path)
	assert.Equal(t, []string{"a.wdl", "b.wdl"}, zipNames(t, path))

	// an existing archive is reused untouched
	writeFile(t, filepath.Join(d2, "c.wdl"), "version 1.0\n")
	path, err = WorkflowImports([]string{d1, d2}, out, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.wdl", "b.wdl"}, zipNames(t, path))
}

func TestWorkflowImports_Nothing(t *testing.T) {
	path, err := WorkflowImports(nil, "", nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = WorkflowImports([]string{t.TempDir()}, "", nil)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestWorkflowImports_DuplicateNames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x", "common.wdl"), "")
	writeFile(t, filepath.Join(root, "y", "common.wdl"), "")

	_, err := WorkflowImports([]string{filepath.Join(root, "x"), filepath.Join(root, "y")}, "", nil)
	var cfgErr *model.ConfigError
	require.True(t, errors.As(err, &cfgErr))
}
