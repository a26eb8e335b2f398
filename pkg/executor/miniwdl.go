package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/model"
)

// MiniwdlName is the registry name of the miniwdl executor.
const MiniwdlName = "miniwdl"

// MiniwdlConfig configures the miniwdl executor.
type MiniwdlConfig struct {
	ImportDirs []string
	// Bin is the miniwdl executable; looked up on PATH when empty.
	Bin    string
	Args   string
	Runner CommandRunner
}

// Miniwdl runs workflows and standalone tasks with `miniwdl run`.
type Miniwdl struct {
	importDirs []string
	bin        string
	args       string
	runner     CommandRunner
	logger     *slog.Logger
}

// NewMiniwdlFromOptions is the registry factory for miniwdl.
func NewMiniwdlFromOptions(importDirs []string, defaults map[string]any, logger *slog.Logger) (Executor, error) {
	return NewMiniwdl(MiniwdlConfig{
		ImportDirs: importDirs,
		Bin:        cast.ToString(defaults["miniwdl_bin"]),
		Args:       cast.ToString(defaults["miniwdl_args"]),
	}, logger)
}

// NewMiniwdl creates a miniwdl executor.
func NewMiniwdl(cfg MiniwdlConfig, logger *slog.Logger) (*Miniwdl, error) {
	bin := cfg.Bin
	if bin == "" {
		bin = FindExecutable("miniwdl")
		if bin == "" {
			return nil, &model.InvocationError{Executor: MiniwdlName, Message: "miniwdl executable not found on PATH"}
		}
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Miniwdl{
		importDirs: cfg.ImportDirs,
		bin:        bin,
		args:       cfg.Args,
		runner:     runner,
		logger:     discardIfNil(logger).With("component", "miniwdl-executor"),
	}, nil
}

// Name returns MiniwdlName.
func (m *Miniwdl) Name() string { return MiniwdlName }

// RunWorkflow runs wdlPath with miniwdl. Task inputs are not namespaced;
// workflow inputs are.
func (m *Miniwdl) RunWorkflow(ctx context.Context, wdlPath string, inputs map[string]any, expected map[string]any, opts RunOptions) (map[string]any, error) {
	target, isTask := TargetName(wdlPath, opts)
	namespace := target
	if isTask {
		namespace = ""
	}

	doc, inputsFile, err := WorkflowInputs(ctx, inputs, opts.InputsFile, namespace)
	if err != nil {
		return nil, err
	}
	dir, err := executionDir(opts.ExecutionDir, "miniwdl")
	if err != nil {
		return nil, fmt.Errorf("create execution dir: %w", err)
	}

	argv := []string{"run", wdlPath}
	if inputsFile != "" {
		argv = append(argv, "-i", inputsFile)
	}
	argv = append(argv, "--dir", dir, "--error-json")
	if isTask {
		argv = append(argv, "--task", target)
	}
	for _, p := range m.importDirs {
		argv = append(argv, "-p", p)
	}
	args := opts.Args
	if args == "" {
		args = m.args
	}
	argv = append(argv, splitArgs(args)...)

	m.logger.Info("executing miniwdl",
		"command", m.bin+" "+strings.Join(argv, " "),
		"target", target,
		"inputs", doc,
	)

	res, err := m.runner.Run(ctx, dir, m.bin, argv, nil)
	if err != nil {
		return nil, &model.InvocationError{Executor: MiniwdlName, Message: "could not start miniwdl", Err: err}
	}

	if !res.OK() {
		stderr := string(res.Stderr)
		if strings.HasPrefix(strings.TrimSpace(stderr), "usage:") {
			return nil, &model.InvocationError{Executor: MiniwdlName, Message: "invalid miniwdl command",
				Stdout: string(res.Stdout), Stderr: stderr}
		}
		failure := &model.ExecutionFailure{
			Executor: MiniwdlName,
			Target:   target,
			Status:   model.RunStateFailed,
			Inputs:   doc,
		}
		if e := parseMiniwdlError(string(res.Stdout), stderr); e != nil {
			d, msg := drillMiniwdlError(e)
			failure.Message = msg
			if d != nil {
				d.apply(failure)
			}
		} else {
			failure.Message = "miniwdl command failed without error information"
			failure.ExecutorStdout = string(res.Stdout)
			failure.ExecutorStderr = stderr
		}
		return nil, failure
	}

	var result struct {
		Dir     string         `json:"dir"`
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal(res.Stdout, &result); err != nil {
		return nil, &model.InvocationError{Executor: MiniwdlName, Message: "invalid miniwdl output",
			Stdout: string(res.Stdout), Stderr: string(res.Stderr), Err: err}
	}
	m.logger.Debug("miniwdl run finished", "run_dir", result.Dir, "duration", res.Duration)

	if len(expected) > 0 {
		if err := ValidateOutputs(ctx, result.Outputs, expected, target); err != nil {
			return result.Outputs, err
		}
	}
	return result.Outputs, nil
}
