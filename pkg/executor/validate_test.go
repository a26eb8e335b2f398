package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/wdlharness/pkg/datafile"
	"github.com/me/wdlharness/pkg/fixture"
	"github.com/me/wdlharness/pkg/model"
)

func TestValidateOutputs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	actualFile := writeFile(t, filepath.Join(dir, "actual.txt"), "a\nb\nc\n")
	expectedFile := writeFile(t, filepath.Join(dir, "expected.txt"), "a\nb\nc\n")
	differentFile := writeFile(t, filepath.Join(dir, "different.txt"), "a\nx\nc\n")

	same, err := datafile.New("", expectedFile, nil, datafile.Options{})
	require.NoError(t, err)
	other, err := datafile.New("", differentFile, nil, datafile.Options{})
	require.NoError(t, err)
	tolerant, err := datafile.New("", differentFile, nil, datafile.Options{AllowedDiffLines: 1})
	require.NoError(t, err)

	actual := map[string]any{
		"wf.count":  float64(3),
		"wf.ratio":  0.5,
		"wf.name":   "x",
		"wf.flag":   true,
		"wf.file":   actualFile,
		"wf.list":   []any{float64(1), "two", nil},
		"wf.record": map[string]any{"a": float64(1), "b": []any{"c"}},
		"wf.none":   nil,
	}

	tests := []struct {
		name     string
		expected map[string]any
		wantKey  string
	}{
		{"all match", map[string]any{
			"count":  3,
			"ratio":  0.5,
			"name":   "x",
			"flag":   true,
			"file":   same,
			"list":   []any{1, "two", nil},
			"record": map[string]any{"a": int64(1), "b": []string{"c"}},
			"none":   nil,
		}, ""},
		{"fixture value file", map[string]any{"file": fixture.File(same)}, ""},
		{"fixture value literal", map[string]any{"name": fixture.Literal("x")}, ""},
		{"tolerance", map[string]any{"file": tolerant}, ""},
		{"missing output", map[string]any{"absent": 1}, "wf.absent"},
		{"number differs", map[string]any{"count": 4}, "wf.count"},
		{"string differs", map[string]any{"name": "y"}, "wf.name"},
		{"type differs", map[string]any{"name": 1}, "wf.name"},
		{"file differs", map[string]any{"file": other}, "wf.file"},
		{"list length", map[string]any{"list": []any{1, "two"}}, "wf.list"},
		{"list element", map[string]any{"list": []any{1, "three", nil}}, "wf.list[1]"},
		{"nil vs value", map[string]any{"none": "x"}, "wf.none"},
		{"value vs nil", map[string]any{"name": nil}, "wf.name"},
		{"extra key", map[string]any{"record": map[string]any{"a": 1}}, "wf.record"},
		{"nested value", map[string]any{"record": map[string]any{"a": 2, "b": []any{"c"}}}, "wf.record.a"},
		{"missing nested key", map[string]any{"record": map[string]any{"a": 1, "z": []any{"c"}}}, "wf.record.z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputs(ctx, actual, tt.expected, "wf")
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}
			var mm *model.OutputMismatchError
			require.True(t, errors.As(err, &mm), "got %v", err)
			assert.Equal(t, tt.wantKey, mm.Key)
		})
	}
}

func TestValidateOutputs_FileComparisonError(t *testing.T) {
	dir := t.TempDir()
	exp, err := datafile.New("", writeFile(t, filepath.Join(dir, "e.txt"), "1\n"), nil, datafile.Options{})
	require.NoError(t, err)
	actual := writeFile(t, filepath.Join(dir, "a.txt"), "2\n")

	err = ValidateOutputs(context.Background(), map[string]any{"wf.out": actual}, map[string]any{"out": exp}, "wf")
	var cmpErr *model.ComparisonError
	require.True(t, errors.As(err, &cmpErr))
}
