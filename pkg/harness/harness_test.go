package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/wdlharness/internal/config"
	"github.com/me/wdlharness/pkg/executor"
	"github.com/me/wdlharness/pkg/model"
)

// recordingTB captures failures instead of failing the enclosing test.
type recordingTB struct {
	*testing.T
	errors []string
	fatals []string
}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.fatals = append(r.fatals, fmt.Sprintf(format, args...))
}

type fakeExecutor struct {
	name     string
	outputs  map[string]any
	err      error
	defaults map[string]any
	runs     []executor.RunOptions
}

func (f *fakeExecutor) Name() string { return f.name }

func (f *fakeExecutor) RunWorkflow(ctx context.Context, wdl string, _ map[string]any, expected map[string]any, opts executor.RunOptions) (map[string]any, error) {
	f.runs = append(f.runs, opts)
	if f.err != nil {
		return nil, f.err
	}
	target, _ := executor.TargetName(wdl, opts)
	if err := executor.ValidateOutputs(ctx, f.outputs, expected, target); err != nil {
		return f.outputs, err
	}
	return f.outputs, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, raw map[string]any) *config.UserConfig {
	t.Helper()
	for _, k := range []string{config.EnvCacheDir, config.EnvExecutionDir, config.EnvExecutors} {
		t.Setenv(k, "")
	}
	cfg, err := config.FromMap(raw)
	require.NoError(t, err)
	t.Cleanup(func() { cfg.Cleanup() })
	return cfg
}

func registryWith(execs ...*fakeExecutor) *executor.Registry {
	r := executor.NewRegistry(testLogger())
	for _, e := range execs {
		r.Register(e.name, func(_ []string, defaults map[string]any, _ *slog.Logger) (executor.Executor, error) {
			e.defaults = defaults
			return e, nil
		})
	}
	return r
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestHarness_RunWorkflow(t *testing.T) {
	root := t.TempDir()
	wdl := writeFile(t, filepath.Join(root, "wf.wdl"), "version 1.0\n")
	out := writeFile(t, filepath.Join(root, "out", "greeting.txt"), "hello\n")

	good := &fakeExecutor{name: "fake-a", outputs: map[string]any{"wf.greeting": out, "wf.n": float64(3)}}
	bad := &fakeExecutor{name: "fake-b", err: errors.New("boom")}
	rtb := &recordingTB{T: t}

	h := New(rtb, Options{
		Config: testConfig(t, map[string]any{
			"default_executors": []any{"fake-a", "fake-b"},
			"executors":         map[string]any{"FAKE-A": map[string]any{"k": "v"}},
		}),
		Descriptors: map[string]any{
			"expected_greeting": map[string]any{"name": "greeting.txt", "contents": "hello\n"},
			"n":                 3,
		},
		ImportDirs:  []string{},
		ProjectRoot: root,
		Registry:    registryWith(good, bad),
		Logger:      testLogger(),
	})
	require.NotNil(t, h)
	require.Empty(t, rtb.fatals)
	assert.Equal(t, []string{"fake-a", "fake-b"}, h.Executors())

	outputs := h.RunWorkflow(wdl, h.Fixtures("n"), map[string]any{
		"greeting": h.Fixture("expected_greeting"),
		"n":        3,
	}, WithArgs("--verbose"))

	assert.Equal(t, []string{"executor fake-b: boom"}, rtb.errors)
	assert.Equal(t, good.outputs, outputs["fake-a"])
	assert.NotContains(t, outputs, "fake-b")
	assert.Equal(t, "v", good.defaults["k"])
	require.Len(t, good.runs, 1)
	assert.Equal(t, "--verbose", good.runs[0].Args)
	assert.DirExists(t, good.runs[0].ExecutionDir)
}

func TestHarness_OutputMismatchIsReported(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "wf.wdl"), "")
	fake := &fakeExecutor{name: "fake", outputs: map[string]any{"wf.n": float64(4)}}
	rtb := &recordingTB{T: t}

	h := New(rtb, Options{
		Config:      testConfig(t, nil),
		Descriptors: map[string]any{},
		ImportDirs:  []string{},
		ProjectRoot: root,
		Executors:   []string{"fake"},
		Registry:    registryWith(fake),
		Logger:      testLogger(),
	})
	h.RunWorkflow("wf.wdl", nil, map[string]any{"n": 3})

	require.Len(t, rtb.errors, 1)
	assert.Contains(t, rtb.errors[0], "executor fake:")
	assert.Contains(t, rtb.errors[0], "wf.n")
}

func TestHarness_ConfiguredExecutionDir(t *testing.T) {
	root := t.TempDir()
	wdl := writeFile(t, filepath.Join(root, "tasks.wdl"), "")
	execRoot := filepath.Join(root, "executions")
	fake := &fakeExecutor{name: "fake", outputs: map[string]any{}}

	h, err := NewE(t, Options{
		Config:      testConfig(t, map[string]any{"execution_dir": execRoot}),
		Descriptors: map[string]any{},
		ImportDirs:  []string{"/imports"},
		ProjectRoot: root,
		Executors:   []string{"fake"},
		Registry:    registryWith(fake),
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	results := h.Run(context.Background(), wdl, nil, nil, WithTaskName("sort"), WithTimeout(0))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, filepath.Join(execRoot, "TestHarness_ConfiguredExecutionDir", "fake"), fake.runs[0].ExecutionDir)
	assert.Equal(t, "sort", fake.runs[0].TaskName)
}

func TestHarness_RunErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "wf.wdl"), "")

	h, err := NewE(t, Options{
		Config:      testConfig(t, nil),
		Descriptors: map[string]any{},
		ImportDirs:  []string{},
		ProjectRoot: root,
		Registry:    registryWith(),
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	results := h.Run(context.Background(), "wf.wdl", nil, nil, WithExecutors("nope"))
	require.Len(t, results, 1)
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(results[0].Err, &cfgErr))

	results = h.Run(context.Background(), "missing.wdl", nil, nil)
	require.Len(t, results, 1)
	var nf *model.NotFoundError
	assert.True(t, errors.As(results[0].Err, &nf))
}

func TestHarness_FixtureFromDataDir(t *testing.T) {
	dataDir := t.TempDir()
	ref := writeFile(t, filepath.Join(dataDir, "TestHarness_FixtureFromDataDir", "ref.fa"), ">chr1\nACGT\n")

	h, err := NewE(t, Options{
		Config:      testConfig(t, nil),
		Descriptors: map[string]any{"reference": map[string]any{"name": "ref.fa"}},
		DataDir:     dataDir,
		ImportDirs:  []string{},
		ProjectRoot: dataDir,
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	v := h.Fixture("reference")
	require.True(t, v.IsFile())
	path, err := v.File().Path(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ref, path)
}

func TestNew_InvalidDescriptors(t *testing.T) {
	rtb := &recordingTB{T: t}
	h := New(rtb, Options{
		Config:      testConfig(t, nil),
		Descriptors: map[string]any{"x": map[string]any{"allowed_diff_lines": -1}},
		ImportDirs:  []string{},
		Logger:      testLogger(),
	})
	assert.Nil(t, h)
	require.Len(t, rtb.fatals, 1)
	assert.Contains(t, rtb.fatals[0], "schema validation failed")
}

func TestReadImportPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wdl", "lib"), 0o755))
	abs := t.TempDir()
	list := writeFile(t, filepath.Join(root, "testdata", "import_paths.txt"), "# shared tasks\nwdl/lib\n\n"+abs+"\n")

	dirs, err := ReadImportPaths(list, root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "wdl", "lib"), abs}, dirs)

	bad := writeFile(t, filepath.Join(root, "bad.txt"), "does/not/exist\n")
	_, err = ReadImportPaths(bad, root)
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = ReadImportPaths(filepath.Join(root, "missing.txt"), root)
	var nf *model.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestFindProjectRootAndWDLDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/wf\n")
	writeFile(t, filepath.Join(root, "workflows", "main.wdl"), "")
	pkg := filepath.Join(root, "workflows", "tests", "align")
	require.NoError(t, os.MkdirAll(pkg, 0o755))

	assert.Equal(t, root, FindProjectRoot(pkg))
	assert.Equal(t, filepath.Join(root, "workflows"), FindWDLDir(pkg, root))
	assert.Empty(t, FindWDLDir(pkg, filepath.Join(root, "workflows", "tests")))
}

func TestNewE_PersistentWorkflowCache(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workflows.db")
	h, err := NewE(t, Options{
		Config:      testConfig(t, map[string]any{"workflow_cache": dbPath}),
		Descriptors: map[string]any{},
		ImportDirs:  []string{},
		ProjectRoot: t.TempDir(),
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
	assert.Contains(t, h.registry.Names(), executor.OmicsName)
}
