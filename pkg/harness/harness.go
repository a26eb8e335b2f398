// Package harness wires fixtures, user configuration and executors into Go
// tests that run WDL workflows.
//
//	func TestVariantCaller(t *testing.T) {
//		h := harness.New(t, harness.Options{})
//		inputs := map[string]any{"bam": h.Fixture("bam"), "reference": h.Fixture("reference")}
//		expected := map[string]any{"vcf": h.Fixture("expected_vcf")}
//		h.RunWorkflow("../variant_caller.wdl", inputs, expected)
//	}
package harness

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/wdlharness/internal/config"
	"github.com/me/wdlharness/internal/logging"
	"github.com/me/wdlharness/internal/store"
	"github.com/me/wdlharness/pkg/executor"
	"github.com/me/wdlharness/pkg/fixture"
	"github.com/me/wdlharness/pkg/model"
)

// Defaults for files looked up relative to the test package directory.
const (
	DefaultDescriptorFile  = "testdata/test_data.json"
	DefaultImportPathsFile = "testdata/import_paths.txt"
	DefaultDataDir         = "testdata"
)

// projectRootFiles mark the project root.
var projectRootFiles = []string{"go.mod", ".git"}

// Options configure a Harness. Zero values select the defaults.
type Options struct {
	// Config overrides loading the user configuration from ConfigFile.
	Config     *config.UserConfig
	ConfigFile string

	// Descriptors overrides loading fixture descriptors from DescriptorFile.
	Descriptors    map[string]any
	DescriptorFile string

	// DataDir is the base directory searched for fixture files by name.
	DataDir string
	// Module is a dotted sub-path of DataDir, e.g. "align.bwa".
	Module string

	// ImportDirs overrides reading ImportPathsFile.
	ImportDirs      []string
	ImportPathsFile string
	ProjectRoot     string

	// Executors overrides the configured default executors.
	Executors []string
	Registry  *executor.Registry
	Logger    *slog.Logger
}

// Harness runs workflows for a single test.
type Harness struct {
	t      TB
	ctx    context.Context
	logger *slog.Logger

	// Data resolves the fixtures of the test.
	Data *fixture.Manager

	Config      *config.UserConfig
	ImportDirs  []string
	ProjectRoot string

	executors []string
	registry  *executor.Registry
}

// TB is the subset of testing.TB the harness reports through.
type TB interface {
	Helper()
	Name() string
	Context() context.Context
	Cleanup(func())
	TempDir() string
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// New builds a Harness for t, failing the test on configuration errors.
func New(t TB, opts Options) *Harness {
	t.Helper()
	h, err := NewE(t, opts)
	if err != nil {
		t.Fatalf("wdl harness: %v", err)
		return nil
	}
	return h
}

// NewE is New returning configuration errors instead of failing the test.
func NewE(t TB, opts Options) (*Harness, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.DefaultLevel(), "text")
	}

	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.ConfigFile); err != nil {
			return nil, err
		}
		t.Cleanup(func() {
			if err := cfg.Cleanup(); err != nil {
				logger.Warn("cache dir cleanup failed", "dir", cfg.CacheDir, "error", err)
			}
		})
	}

	root := opts.ProjectRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = FindProjectRoot(cwd)
	}

	descriptors, err := loadDescriptors(opts)
	if err != nil {
		return nil, err
	}
	importDirs, err := resolveImportDirs(opts, root)
	if err != nil {
		return nil, err
	}

	downloader, err := cfg.NewDownloader(logger)
	if err != nil {
		return nil, err
	}
	resolver := fixture.NewResolver(descriptors, cfg.CacheDir, downloader, logger)

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	dirs, err := fixture.FromTestName(dataDir, opts.Module, t.Name())
	if err != nil {
		return nil, err
	}

	execs := opts.Executors
	if len(execs) == 0 {
		execs = cfg.Executors
	}
	registry := opts.Registry
	if registry == nil {
		registry = executor.DefaultRegistry(logger)
		if cfg.WorkflowCache != "" {
			st, err := store.Open(t.Context(), cfg.WorkflowCache, logger)
			if err != nil {
				return nil, err
			}
			t.Cleanup(func() { st.Close() })
			registry.Register(executor.OmicsName, executor.OmicsFactory(st))
		}
	}

	return &Harness{
		t:           t,
		ctx:         t.Context(),
		logger:      logger.With("component", "harness", "test", t.Name()),
		Data:        fixture.NewManager(resolver, dirs),
		Config:      cfg,
		ImportDirs:  importDirs,
		ProjectRoot: root,
		executors:   execs,
		registry:    registry,
	}, nil
}

// Executors returns the names of the executors RunWorkflow uses.
func (h *Harness) Executors() []string { return h.executors }

// Fixture resolves a fixture by name, failing the test if it cannot.
func (h *Harness) Fixture(name string) fixture.Value {
	h.t.Helper()
	v, err := h.Data.Get(h.ctx, name)
	if err != nil {
		h.t.Fatalf("fixture %s: %v", name, err)
	}
	return v
}

// Fixtures resolves several fixtures keyed by name.
func (h *Harness) Fixtures(names ...string) map[string]any {
	h.t.Helper()
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = h.Fixture(name)
	}
	return out
}

// RunOption adjusts a single RunWorkflow call.
type RunOption func(*runConfig)

type runConfig struct {
	opts      executor.RunOptions
	executors []string
}

// WithWorkflowName sets the workflow name when it differs from the file name.
func WithWorkflowName(name string) RunOption {
	return func(c *runConfig) { c.opts.WorkflowName = name }
}

// WithTaskName runs a single task instead of the workflow.
func WithTaskName(name string) RunOption {
	return func(c *runConfig) { c.opts.TaskName = name }
}

// WithInputsFile reuses or writes the inputs JSON at path.
func WithInputsFile(path string) RunOption {
	return func(c *runConfig) { c.opts.InputsFile = path }
}

// WithImportsFile reuses or writes the imports archive at path.
func WithImportsFile(path string) RunOption {
	return func(c *runConfig) { c.opts.ImportsFile = path }
}

// WithArgs passes extra backend arguments.
func WithArgs(args string) RunOption {
	return func(c *runConfig) { c.opts.Args = args }
}

// WithJavaArgs passes extra JVM arguments to Java based backends.
func WithJavaArgs(args string) RunOption {
	return func(c *runConfig) { c.opts.JavaArgs = args }
}

// WithTimeout bounds polling of server backends.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.opts.Timeout = d }
}

// WithExecutors overrides the executors for one call.
func WithExecutors(names ...string) RunOption {
	return func(c *runConfig) { c.executors = names }
}

// Result is the outcome of running a workflow on one executor.
type Result struct {
	Executor string
	Outputs  map[string]any
	Err      error
}

// Run executes the workflow on every selected executor in turn and returns
// one Result per executor. A failing executor does not stop the others.
func (h *Harness) Run(ctx context.Context, wdl string, inputs, expected map[string]any, opts ...RunOption) []Result {
	rc := runConfig{executors: h.executors}
	for _, o := range opts {
		o(&rc)
	}
	wdlPath, err := h.resolveWDL(wdl)
	if err != nil {
		return []Result{{Err: err}}
	}

	results := make([]Result, 0, len(rc.executors))
	for _, name := range rc.executors {
		res := Result{Executor: name}
		exec, err := h.registry.Create(name, h.ImportDirs, h.Config.ExecutorOptions(name))
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		runOpts := rc.opts
		runOpts.ExecutionDir = h.executionDir(name)

		start := time.Now()
		h.logger.Info("running workflow", "executor", name, "wdl", wdlPath)
		res.Outputs, res.Err = exec.RunWorkflow(ctx, wdlPath, inputs, expected, runOpts)
		h.logger.Info("workflow finished", "executor", name, "duration", time.Since(start), "ok", res.Err == nil)
		results = append(results, res)
	}
	return results
}

// RunWorkflow runs the workflow on every selected executor and reports each
// failure through t.Errorf. It returns the outputs of each executor that ran
// to completion.
func (h *Harness) RunWorkflow(wdl string, inputs, expected map[string]any, opts ...RunOption) map[string]map[string]any {
	h.t.Helper()
	outputs := make(map[string]map[string]any)
	for _, res := range h.Run(h.ctx, wdl, inputs, expected, opts...) {
		if res.Err != nil {
			if res.Executor == "" {
				h.t.Errorf("%v", res.Err)
			} else {
				h.t.Errorf("executor %s: %v", res.Executor, res.Err)
			}
		}
		if res.Outputs != nil {
			outputs[res.Executor] = res.Outputs
		}
	}
	return outputs
}

func (h *Harness) resolveWDL(wdl string) (string, error) {
	candidates := []string{wdl}
	if !filepath.IsAbs(wdl) {
		candidates = append(candidates, filepath.Join(h.ProjectRoot, wdl))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return filepath.Abs(c)
		}
	}
	return "", &model.NotFoundError{Kind: "workflow", Name: wdl}
}

// executionDir is a per-test directory under the configured execution dir,
// or a fresh temp dir.
func (h *Harness) executionDir(executorName string) string {
	if h.Config.ExecutionDir == "" {
		return h.t.TempDir()
	}
	return filepath.Join(h.Config.ExecutionDir, executor.SafeString(h.t.Name()), executorName)
}

func loadDescriptors(opts Options) (map[string]any, error) {
	if opts.Descriptors != nil {
		if err := fixture.ValidateDescriptors(opts.Descriptors); err != nil {
			return nil, err
		}
		return opts.Descriptors, nil
	}
	path := opts.DescriptorFile
	if path == "" {
		if _, err := os.Stat(DefaultDescriptorFile); err != nil {
			return map[string]any{}, nil
		}
		path = DefaultDescriptorFile
	}
	return fixture.LoadDescriptors(path)
}

func resolveImportDirs(opts Options, root string) ([]string, error) {
	if opts.ImportDirs != nil {
		return opts.ImportDirs, nil
	}
	path := opts.ImportPathsFile
	if path == "" {
		if _, err := os.Stat(DefaultImportPathsFile); err == nil {
			path = DefaultImportPathsFile
		}
	}
	if path != "" {
		return ReadImportPaths(path, root)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if dir := FindWDLDir(cwd, root); dir != "" {
		return []string{dir}, nil
	}
	return nil, nil
}

// ReadImportPaths reads a file listing one import directory per line.
// Relative entries are taken relative to root; every entry must exist.
func ReadImportPaths(path, root string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &model.NotFoundError{Kind: "import paths file", Name: path}
	}
	defer f.Close()

	var dirs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(root, line)
		}
		line = filepath.Clean(line)
		if info, err := os.Stat(line); err != nil || !info.IsDir() {
			return nil, model.NewConfigError("import_paths", "invalid import path: %s", line)
		}
		dirs = append(dirs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return dirs, nil
}

// FindProjectRoot walks up from start to the first directory holding a
// project marker, returning start if there is none.
func FindProjectRoot(start string) string {
	for dir := start; ; {
		for _, marker := range projectRootFiles {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// FindWDLDir walks up from start, stopping after stop, to the first
// directory containing a .wdl file.
func FindWDLDir(start, stop string) string {
	for dir := start; ; {
		if matches, _ := filepath.Glob(filepath.Join(dir, "*.wdl")); len(matches) > 0 {
			return dir
		}
		parent := filepath.Dir(dir)
		if dir == stop || parent == dir {
			return ""
		}
		dir = parent
	}
}
