package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/wdlharness/internal/config"
	"github.com/me/wdlharness/internal/store"
	"github.com/me/wdlharness/pkg/executor"
)

// countExecutor answers every run with a fixed count output.
type countExecutor struct {
	count float64
	runs  int
}

func (e *countExecutor) Name() string { return "fake" }

func (e *countExecutor) RunWorkflow(ctx context.Context, wdl string, _ map[string]any, expected map[string]any, opts executor.RunOptions) (map[string]any, error) {
	e.runs++
	target, _ := executor.TargetName(wdl, opts)
	outputs := map[string]any{target + ".count": e.count}
	return outputs, executor.ValidateOutputs(ctx, outputs, expected, target)
}

// isolate points HOME and the harness env vars at temp dirs and installs a
// registry holding fake.
func isolate(t *testing.T, fake *countExecutor) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{config.EnvConfigFile, config.EnvCacheDir, config.EnvExecutionDir, config.EnvExecutors} {
		t.Setenv(k, "")
	}
	old := newRegistry
	newRegistry = func(logger *slog.Logger) *executor.Registry {
		r := executor.DefaultRegistry(logger)
		r.Register("fake", func(_ []string, _ map[string]any, _ *slog.Logger) (executor.Executor, error) {
			return fake, nil
		})
		return r
	}
	t.Cleanup(func() { newRegistry = old })
	return home
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	Cleanup()
	flagWorkflowCache = ""
	return buf.String(), err
}

func TestRunCommand(t *testing.T) {
	fake := &countExecutor{count: 3}
	home := isolate(t, fake)

	output, err := runCLI(t, "run", filepath.Join("testdata", "suite.json"))
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, output)
	}
	if fake.runs != 2 {
		t.Errorf("expected 2 runs, got %d", fake.runs)
	}
	if !strings.Contains(output, "passed  count_lines [fake]") {
		t.Errorf("expected passed count_lines in output, got: %s", output)
	}
	if !strings.Contains(output, "2 passed, 0 failed, 0 errors, 0 skipped") {
		t.Errorf("expected summary in output, got: %s", output)
	}
	if _, err := os.Stat(filepath.Join(home, ".wdlharness", "workflow_cache.db")); err != nil {
		t.Errorf("expected default workflow cache to be created: %v", err)
	}
}

func TestRunCommand_Filter(t *testing.T) {
	fake := &countExecutor{count: 3}
	isolate(t, fake)

	output, err := runCLI(t, "run", "--filter", `"slow" not in tags`, filepath.Join("testdata", "suite.json"))
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, output)
	}
	if fake.runs != 1 {
		t.Errorf("expected 1 run, got %d", fake.runs)
	}
	if strings.Contains(output, "count_lines_slow") {
		t.Errorf("slow test should be filtered out, got: %s", output)
	}
}

func TestRunCommand_Failure(t *testing.T) {
	isolate(t, &countExecutor{count: 2})

	output, err := runCLI(t, "run", filepath.Join("testdata", "suite.json"))
	if err == nil {
		t.Fatalf("expected failure, output: %s", output)
	}
	if !strings.Contains(err.Error(), "1 failed") {
		t.Errorf("expected failure count in error, got: %v", err)
	}
	if !strings.Contains(output, "--- count_lines [fake]") {
		t.Errorf("expected failure details in output, got: %s", output)
	}
}

func TestRunCommand_UnknownExecutor(t *testing.T) {
	isolate(t, &countExecutor{count: 3})

	output, err := runCLI(t, "run", "-e", "dxwdl", filepath.Join("testdata", "suite.json"))
	if err == nil {
		t.Fatalf("expected error, output: %s", output)
	}
	if !strings.Contains(output, "no executor registered") {
		t.Errorf("expected registry error in report, got: %s", output)
	}
}

func TestValidateCommand(t *testing.T) {
	isolate(t, &countExecutor{})

	output, err := runCLI(t, "validate", filepath.Join("testdata", "suite.json"))
	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	if !strings.Contains(output, "(2 tests, 2 fixtures)") {
		t.Errorf("expected counts in output, got: %s", output)
	}

	output, err = runCLI(t, "validate", filepath.Join("testdata", "suite.json"), filepath.Join("testdata", "invalid_suite.yaml"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(output, "INVALID testdata/invalid_suite.yaml") {
		t.Errorf("expected INVALID line, got: %s", output)
	}
}

func TestValidateCommand_Schema(t *testing.T) {
	isolate(t, &countExecutor{})

	output, err := runCLI(t, "validate", "--schema")
	if err != nil {
		t.Fatalf("validate --schema error: %v", err)
	}
	if !strings.Contains(output, `"tests"`) || !strings.Contains(output, `"workflow_name"`) {
		t.Errorf("expected suite schema, got: %s", output)
	}
}

func TestFetchCommand(t *testing.T) {
	isolate(t, &countExecutor{})
	cache := t.TempDir()

	output, err := runCLI(t, "fetch", "--cache-dir", cache, filepath.Join("testdata", "test_data.json"))
	if err != nil {
		t.Fatalf("fetch error: %v\noutput: %s", err, output)
	}
	data, err := os.ReadFile(filepath.Join(cache, "names.txt"))
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if string(data) != "alice\nbob\n" {
		t.Errorf("unexpected contents %q", data)
	}
	if !strings.Contains(output, filepath.Join(cache, "config.json")) {
		t.Errorf("expected config.json in output, got: %s", output)
	}
}

func TestFetchCommand_RequiresCacheDir(t *testing.T) {
	isolate(t, &countExecutor{})

	_, err := runCLI(t, "fetch", filepath.Join("testdata", "test_data.json"))
	if err == nil || !strings.Contains(err.Error(), "no cache dir configured") {
		t.Errorf("expected cache dir error, got: %v", err)
	}
}

func TestCacheCommands(t *testing.T) {
	isolate(t, &countExecutor{})
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	output, err := runCLI(t, "--workflow-cache", dbPath, "cache", "list")
	if err != nil {
		t.Fatalf("cache list error: %v", err)
	}
	if !strings.Contains(output, "No cached workflows.") {
		t.Errorf("expected empty cache, got: %s", output)
	}

	st, err := store.Open(context.Background(), dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = st.Put(context.Background(), &executor.CachedWorkflow{
		Executor:   executor.OmicsName,
		Key:        "0123456789abcdef0123",
		WorkflowID: "1234567",
		Source:     "/work/wf.wdl",
	})
	st.Close()
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	output, err = runCLI(t, "--workflow-cache", dbPath, "cache", "list")
	if err != nil {
		t.Fatalf("cache list error: %v", err)
	}
	if !strings.Contains(output, "0123456789ab ") || !strings.Contains(output, "1234567") {
		t.Errorf("expected cached entry, got: %s", output)
	}

	output, err = runCLI(t, "--workflow-cache", dbPath, "cache", "clear")
	if err != nil {
		t.Fatalf("cache clear error: %v", err)
	}
	if !strings.Contains(output, "Removed 1 cached workflows.") {
		t.Errorf("expected removal count, got: %s", output)
	}
}
