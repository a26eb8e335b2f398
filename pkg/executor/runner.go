package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// CommandResult holds the output of a finished backend process.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// OK reports whether the process exited with status zero.
func (r *CommandResult) OK() bool { return r.ExitCode == 0 }

// CommandRunner runs backend processes. A non-zero exit is reported through
// CommandResult.ExitCode; the error return is reserved for processes that
// could not be started.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, args []string, env []string) (*CommandResult, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run starts command in dir (the current directory when empty) with env
// appended to the inherited environment.
func (ExecRunner) Run(ctx context.Context, dir, command string, args []string, env []string) (*CommandResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("execute command %q: %w", command, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// FindExecutable returns the absolute path of name, looked up in dirs first
// and then on PATH. It returns "" when the executable cannot be found.
func FindExecutable(name string, dirs ...string) string {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	}
	return ""
}

// FindInClasspath returns the first file matching the glob pattern in the
// entries of $CLASSPATH. Entries may be files or directories. It returns ""
// when nothing matches.
func FindInClasspath(pattern string) string {
	cp := os.Getenv("CLASSPATH")
	if cp == "" {
		return ""
	}
	for _, entry := range filepath.SplitList(cp) {
		if entry == "" {
			continue
		}
		info, err := os.Stat(entry)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if ok, _ := filepath.Match(pattern, filepath.Base(entry)); ok {
				return entry
			}
			continue
		}
		matches, err := filepath.Glob(filepath.Join(entry, pattern))
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return matches[0]
	}
	return ""
}
