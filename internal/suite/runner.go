package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/wdlharness/internal/config"
	"github.com/me/wdlharness/pkg/executor"
	"github.com/me/wdlharness/pkg/fixture"
	"github.com/me/wdlharness/pkg/localize"
	"github.com/me/wdlharness/pkg/model"
)

// Status is the outcome of one test on one executor.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Result records one test run on one executor.
type Result struct {
	Suite    string
	Test     string
	Executor string
	Status   Status
	Err      error
	Duration time.Duration
}

// Classify maps a run error to a Status: backend failures and output
// mismatches fail the test, anything else is a harness error.
func Classify(err error) Status {
	if err == nil {
		return StatusPassed
	}
	var failure *model.ExecutionFailure
	var mismatch *model.OutputMismatchError
	var cmp *model.ComparisonError
	if errors.As(err, &failure) || errors.As(err, &mismatch) || errors.As(err, &cmp) {
		return StatusFailed
	}
	return StatusError
}

// Runner executes suites.
type Runner struct {
	Config   *config.UserConfig
	Registry *executor.Registry
	// Executors overrides the suite and configured defaults.
	Executors []string
	Logger    *slog.Logger
}

// Run executes every selected test of s on each of its executors.
func (r *Runner) Run(ctx context.Context, s *Suite, filter *Filter) ([]Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "suite-runner", "suite", s.Path())

	tests, err := s.Select(filter)
	if err != nil {
		return nil, err
	}
	downloader, err := r.Config.NewDownloader(logger)
	if err != nil {
		return nil, err
	}
	resolver := fixture.NewResolver(s.Data, r.Config.CacheDir, downloader, logger)

	importDirs := make([]string, 0, len(s.ImportDirs))
	for _, d := range s.ImportDirs {
		importDirs = append(importDirs, s.Rel(d))
	}

	var results []Result
	for _, t := range tests {
		results = append(results, r.runTest(ctx, s, t, resolver, importDirs, logger)...)
	}
	return results, nil
}

func (r *Runner) runTest(ctx context.Context, s *Suite, t Test, resolver *fixture.Resolver, importDirs []string, logger *slog.Logger) []Result {
	execs := r.executorsFor(s, t)
	base := Result{Suite: s.Path(), Test: t.Name}

	if t.Skip != "" {
		out := make([]Result, 0, len(execs))
		for _, name := range execs {
			res := base
			res.Executor, res.Status = name, StatusSkipped
			out = append(out, res)
		}
		logger.Info("skipping test", "test", t.Name, "reason", t.Skip)
		return out
	}

	inputs, expected, err := r.resolveTest(ctx, s, t, resolver)
	if err != nil {
		res := base
		res.Status, res.Err = StatusError, err
		return []Result{res}
	}

	opts := executor.RunOptions{
		WorkflowName: t.WorkflowName,
		TaskName:     t.TaskName,
		InputsFile:   s.Rel(t.InputsFile),
		Args:         t.Args,
		JavaArgs:     t.JavaArgs,
		Timeout:      time.Duration(t.Timeout * float64(time.Second)),
	}
	wdl := s.Rel(t.WDL)

	out := make([]Result, 0, len(execs))
	for _, name := range execs {
		res := base
		res.Executor = name
		start := time.Now()

		exec, err := r.Registry.Create(name, importDirs, r.Config.ExecutorOptions(name))
		if err == nil {
			runOpts := opts
			if r.Config.ExecutionDir != "" {
				runOpts.ExecutionDir = filepath.Join(r.Config.ExecutionDir, executor.SafeString(t.Name), name)
			}
			logger.Info("running test", "test", t.Name, "executor", name, "wdl", wdl)
			_, err = exec.RunWorkflow(ctx, wdl, inputs, expected, runOpts)
		}
		res.Duration = time.Since(start)
		res.Status, res.Err = Classify(err), err
		logger.Info("test finished", "test", t.Name, "executor", name, "status", res.Status,
			"duration", res.Duration.Round(time.Millisecond))
		out = append(out, res)
	}
	return out
}

func (r *Runner) executorsFor(s *Suite, t Test) []string {
	switch {
	case len(r.Executors) > 0:
		return r.Executors
	case len(t.Executors) > 0:
		return t.Executors
	case len(s.Executors) > 0:
		return s.Executors
	default:
		return r.Config.Executors
	}
}

func (r *Runner) resolveTest(ctx context.Context, s *Suite, t Test, resolver *fixture.Resolver) (map[string]any, map[string]any, error) {
	dirs, err := fixture.NewDataDirs(s.Dir(), "", executor.SafeString(t.Name), "")
	if err != nil {
		return nil, nil, err
	}
	mgr := fixture.NewManager(resolver, dirs)
	inputs, err := resolveMap(ctx, mgr, t.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("test %s inputs: %w", t.Name, err)
	}
	expected, err := resolveMap(ctx, mgr, t.Expected)
	if err != nil {
		return nil, nil, fmt.Errorf("test %s expected: %w", t.Name, err)
	}
	return inputs, expected, nil
}

func resolveMap(ctx context.Context, mgr *fixture.Manager, m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		r, err := resolveRefs(ctx, mgr, val)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// resolveRefs replaces strings naming a fixture with the fixture, walking
// maps and lists.
func resolveRefs(ctx context.Context, mgr *fixture.Manager, v any) (any, error) {
	switch t := v.(type) {
	case string:
		if !mgr.Resolver().Has(t) {
			return t, nil
		}
		return mgr.Get(ctx, t)
	case map[string]any:
		return resolveMap(ctx, mgr, t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := resolveRefs(ctx, mgr, val)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Summary counts results by status.
type Summary map[Status]int

// Summarize counts results by status.
func Summarize(results []Result) Summary {
	s := Summary{}
	for _, r := range results {
		s[r.Status]++
	}
	return s
}

// OK reports whether nothing failed or errored.
func (s Summary) OK() bool { return s[StatusFailed] == 0 && s[StatusError] == 0 }

func (s Summary) String() string {
	return fmt.Sprintf("%s passed, %s failed, %s errors, %s skipped",
		humanize.Comma(int64(s[StatusPassed])), humanize.Comma(int64(s[StatusFailed])),
		humanize.Comma(int64(s[StatusError])), humanize.Comma(int64(s[StatusSkipped])))
}

// WriteReport prints one line per result followed by failure details and
// the summary.
func WriteReport(w io.Writer, results []Result) error {
	var total time.Duration
	for _, r := range results {
		total += r.Duration
		if _, err := fmt.Fprintf(w, "%-7s %s [%s] (%s)\n", r.Status, r.Test, r.Executor, r.Duration.Round(time.Millisecond)); err != nil {
			return err
		}
	}
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "\n--- %s [%s]\n%v\n", r.Test, r.Executor, r.Err); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%s in %s\n", Summarize(results), total.Round(time.Millisecond))
	return err
}

// Prefetch localizes every file fixture of descriptors into the cache dir.
// Fixtures found by name are searched in dirs.
func Prefetch(ctx context.Context, descriptors map[string]any, dirs *fixture.DataDirs, cacheDir string, downloader *localize.Downloader, logger *slog.Logger) ([]string, error) {
	resolver := fixture.NewResolver(descriptors, cacheDir, downloader, logger)
	var paths []string
	for _, name := range resolver.Names() {
		v, err := resolver.Resolve(ctx, name, dirs)
		if err != nil {
			return paths, err
		}
		if !v.IsFile() {
			continue
		}
		p, err := v.File().Path(ctx)
		if err != nil {
			return paths, fmt.Errorf("fixture %s: %w", name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}
