// Package executor runs WDL workflows on pluggable backends and checks the
// outputs they produce.
package executor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Executor runs a WDL workflow (or a standalone task, where the backend
// supports it) and returns its outputs keyed "<target>.<output>".
type Executor interface {
	// Name returns the registry name of the backend, e.g. "cromwell".
	Name() string

	// RunWorkflow executes wdlPath with the given inputs. When expected is
	// non-empty the outputs are validated against it before returning.
	// A backend-reported failure is returned as *model.ExecutionFailure; a
	// backend that could not be started is reported as *model.InvocationError.
	RunWorkflow(ctx context.Context, wdlPath string, inputs map[string]any, expected map[string]any, opts RunOptions) (map[string]any, error)
}

// RunOptions are per-invocation settings. Zero values fall back to the
// executor's defaults.
type RunOptions struct {
	WorkflowName string
	TaskName     string
	// InputsFile is read when it already exists, otherwise the namespaced
	// inputs are written to it.
	InputsFile string
	// ImportsFile is reused when it already exists, otherwise the imports
	// archive is written to it.
	ImportsFile  string
	ExecutionDir string
	// Args are extra backend arguments, whitespace separated.
	Args     string
	JavaArgs string
	// Timeout bounds server-side polling only.
	Timeout time.Duration
}

var unsafeChars = regexp.MustCompile(`[^\w.-]`)

// SafeString replaces every character outside [A-Za-z0-9_.-] with '_'.
func SafeString(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// TargetName returns the name outputs and inputs are namespaced under, and
// whether it names a task rather than a workflow.
func TargetName(wdlPath string, opts RunOptions) (string, bool) {
	if opts.TaskName != "" {
		return opts.TaskName, true
	}
	if opts.WorkflowName != "" {
		return opts.WorkflowName, false
	}
	stem := strings.TrimSuffix(filepath.Base(wdlPath), filepath.Ext(wdlPath))
	return SafeString(stem), false
}

// splitArgs splits a backend argument string on whitespace. Quoting is not
// interpreted.
func splitArgs(s string) []string {
	return strings.Fields(s)
}

// executionDir returns dir, creating it, or a fresh temp dir when dir is empty.
func executionDir(dir, prefix string) (string, error) {
	if dir == "" {
		return os.MkdirTemp("", prefix+"-*")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Abs(dir)
}

func discardIfNil(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
