package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/model"
)

// CromwellName is the registry name of the local Cromwell executor.
const CromwellName = "cromwell"

// Environment variables consulted for Cromwell defaults.
const (
	EnvCromwellJar    = "CROMWELL_JAR"
	EnvCromwellConfig = "CROMWELL_CONFIG"
	EnvCromwellArgs   = "CROMWELL_ARGS"
	EnvJavaHome       = "JAVA_HOME"
)

// CromwellConfig configures a local Cromwell executor. Empty fields fall back
// to the environment.
type CromwellConfig struct {
	ImportDirs []string
	JavaBin    string
	// JavaArgs replace the generated -Dconfig.file argument when set.
	JavaArgs string
	JarFile  string
	// Configuration is a path to a Cromwell config file or a mapping that is
	// written to a temp file as JSON.
	Configuration any
	Args          string
	Runner        CommandRunner
}

// Cromwell runs workflows with `java -jar cromwell.jar run`.
type Cromwell struct {
	importDirs []string
	javaBin    string
	javaArgs   string
	jar        string
	args       string
	runner     CommandRunner
	logger     *slog.Logger
}

// NewCromwellFromOptions is the registry factory for Cromwell.
func NewCromwellFromOptions(importDirs []string, defaults map[string]any, logger *slog.Logger) (Executor, error) {
	return NewCromwell(CromwellConfig{
		ImportDirs:    importDirs,
		JavaBin:       cast.ToString(defaults["java_bin"]),
		JavaArgs:      cast.ToString(defaults["java_args"]),
		JarFile:       cast.ToString(defaults["cromwell_jar_file"]),
		Configuration: defaults["cromwell_configuration"],
		Args:          cast.ToString(defaults["cromwell_args"]),
	}, logger)
}

// NewCromwell resolves the java binary, Cromwell jar and configuration.
func NewCromwell(cfg CromwellConfig, logger *slog.Logger) (*Cromwell, error) {
	logger = discardIfNil(logger).With("component", "cromwell-executor")

	javaBin := cfg.JavaBin
	if javaBin == "" {
		var dirs []string
		if home := os.Getenv(EnvJavaHome); home != "" {
			dirs = append(dirs, filepath.Join(home, "bin"))
		}
		javaBin = FindExecutable("java", dirs...)
		if javaBin == "" {
			return nil, &model.InvocationError{Executor: CromwellName,
				Message: "java executable not found; set java_bin or " + EnvJavaHome}
		}
	}

	jar := cfg.JarFile
	if jar == "" {
		jar = os.Getenv(EnvCromwellJar)
	}
	if jar == "" {
		jar = FindInClasspath("cromwell*.jar")
	}
	if jar == "" {
		return nil, &model.InvocationError{Executor: CromwellName,
			Message: "cromwell jar not found; set cromwell_jar_file, " + EnvCromwellJar + " or CLASSPATH"}
	}
	if _, err := os.Stat(jar); err != nil {
		return nil, &model.InvocationError{Executor: CromwellName, Message: "cromwell jar " + jar + " is not readable", Err: err}
	}

	javaArgs := cfg.JavaArgs
	configuration := cfg.Configuration
	if isEmptyOption(configuration) {
		if p := os.Getenv(EnvCromwellConfig); p != "" {
			configuration = p
		}
	}
	if !isEmptyOption(configuration) {
		if javaArgs != "" {
			logger.Warn("cromwell configuration is ignored when java args are set")
		} else {
			path, err := cromwellConfigFile(configuration)
			if err != nil {
				return nil, err
			}
			javaArgs = "-Dconfig.file=" + path
		}
	}

	args := cfg.Args
	if args == "" {
		args = os.Getenv(EnvCromwellArgs)
	}

	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	return &Cromwell{
		importDirs: cfg.ImportDirs,
		javaBin:    javaBin,
		javaArgs:   javaArgs,
		jar:        jar,
		args:       args,
		runner:     runner,
		logger:     logger,
	}, nil
}

func isEmptyOption(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

// cromwellConfigFile returns the path of an existing config file, or writes a
// mapping to a temp file.
func cromwellConfigFile(configuration any) (string, error) {
	if s, ok := configuration.(string); ok {
		if _, err := os.Stat(s); err != nil {
			return "", &model.ConfigError{Field: "cromwell_configuration", Message: "config file " + s + " does not exist", Err: err}
		}
		return filepath.Abs(s)
	}
	m, err := cast.ToStringMapE(configuration)
	if err != nil {
		return "", &model.ConfigError{Field: "cromwell_configuration", Message: "must be a path or a mapping", Err: err}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", &model.ConfigError{Field: "cromwell_configuration", Message: "cannot encode", Err: err}
	}
	f, err := os.CreateTemp("", "cromwell-*.json")
	if err != nil {
		return "", fmt.Errorf("create cromwell config: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write cromwell config: %w", err)
	}
	return f.Name(), nil
}

// Name returns CromwellName.
func (c *Cromwell) Name() string { return CromwellName }

// RunWorkflow runs wdlPath with Cromwell in single-workflow mode and reads
// outputs from the metadata file it writes.
func (c *Cromwell) RunWorkflow(ctx context.Context, wdlPath string, inputs map[string]any, expected map[string]any, opts RunOptions) (map[string]any, error) {
	target, isTask := TargetName(wdlPath, opts)
	if isTask {
		return nil, model.NewConfigError("task_name", "cromwell cannot execute tasks independently of a workflow")
	}

	doc, inputsFile, err := WorkflowInputs(ctx, inputs, opts.InputsFile, target)
	if err != nil {
		return nil, err
	}
	importsFile, err := WorkflowImports(c.importDirs, opts.ImportsFile, c.logger)
	if err != nil {
		return nil, err
	}
	dir, err := executionDir(opts.ExecutionDir, "cromwell")
	if err != nil {
		return nil, fmt.Errorf("create execution dir: %w", err)
	}
	metadataFile := filepath.Join(dir, "metadata.json")
	if err := os.Remove(metadataFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale metadata: %w", err)
	}

	javaArgs := opts.JavaArgs
	if javaArgs == "" {
		javaArgs = c.javaArgs
	}
	cromwellArgs := opts.Args
	if cromwellArgs == "" {
		cromwellArgs = c.args
	}

	var argv []string
	argv = append(argv, splitArgs(javaArgs)...)
	argv = append(argv, "-jar", c.jar, "run", "-m", metadataFile)
	argv = append(argv, splitArgs(cromwellArgs)...)
	if inputsFile != "" {
		argv = append(argv, "-i", inputsFile)
	}
	if importsFile != "" {
		argv = append(argv, "-p", importsFile)
	}
	argv = append(argv, wdlPath)

	c.logger.Info("executing cromwell",
		"command", c.javaBin+" "+strings.Join(argv, " "),
		"target", target,
		"inputs", doc,
	)

	res, err := c.runner.Run(ctx, dir, c.javaBin, argv, nil)
	if err != nil {
		return nil, &model.InvocationError{Executor: CromwellName, Message: "could not start java", Err: err}
	}

	var md *cromwellMetadata
	if data, err := os.ReadFile(metadataFile); err == nil {
		if md, err = parseCromwellMetadata(data); err != nil {
			return nil, err
		}
	}

	failure := &model.ExecutionFailure{
		Executor: CromwellName,
		Target:   target,
		Status:   model.RunStateFailed,
		Inputs:   doc,
	}

	var outputs map[string]any
	switch {
	case res.OK() && md != nil:
		if md.Status != string(model.RunStateSucceeded) {
			failure.Status = metadataStatus(md.Status)
			applyCromwellFailures(failure, md)
			return nil, failure
		}
		outputs = md.Outputs
	case res.OK():
		c.logger.Warn("cromwell completed successfully but did not generate a metadata file", "path", metadataFile)
		outputs, err = cromwellStdoutOutputs(string(res.Stdout))
		if err != nil {
			return nil, err
		}
	case md != nil:
		failure.Status = metadataStatus(md.Status)
		applyCromwellFailures(failure, md)
		return nil, failure
	default:
		failure.ExecutorStdout = string(res.Stdout)
		failure.ExecutorStderr = string(res.Stderr)
		failure.Message = "Cromwell command failed but did not generate a metadata file at " + metadataFile
		return nil, failure
	}

	if len(expected) > 0 {
		if err := ValidateOutputs(ctx, outputs, expected, target); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

func metadataStatus(s string) model.RunState {
	if s == string(model.RunStateAborted) {
		return model.RunStateAborted
	}
	return model.RunStateFailed
}

// cromwellStdoutOutputs extracts the outputs object Cromwell prints when run
// without a metadata file. An invalid command makes Cromwell print usage and
// exit zero, so that case is detected here.
func cromwellStdoutOutputs(stdout string) (map[string]any, error) {
	lines := strings.Split(strings.ReplaceAll(stdout, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, &model.InvocationError{Executor: CromwellName, Message: "invalid cromwell output", Stdout: stdout}
	}
	if strings.HasPrefix(lines[1], "Usage") {
		return nil, &model.InvocationError{Executor: CromwellName, Message: "invalid cromwell command", Stdout: stdout}
	}

	start, end := -1, -1
	for i, line := range lines {
		if line == "{" && i+1 < len(lines) && strings.HasPrefix(strings.TrimLeft(lines[i+1], " \t"), `"outputs":`) {
			start = i
		} else if line == "}" && start >= 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, &model.InvocationError{Executor: CromwellName, Message: "no outputs JSON found in cromwell stdout", Stdout: stdout}
	}

	var doc struct {
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal([]byte(strings.Join(lines[start:end+1], "\n")), &doc); err != nil {
		return nil, &model.InvocationError{Executor: CromwellName, Message: "invalid outputs JSON in cromwell stdout", Stdout: stdout, Err: err}
	}
	return doc.Outputs, nil
}
