package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExecutionFailure is the single structured error every executor returns when a
// backend reports a non-success terminal state. Task-level fields are filled in
// on a best-effort basis from the backend's failure metadata.
type ExecutionFailure struct {
	Executor string
	Target   string
	Status   RunState
	Inputs   map[string]any
	Message  string

	ExecutorStdout string
	ExecutorStderr string

	// NumFailed is the number of failed instances of FailedTask (scatter shards, retries).
	NumFailed            int
	FailedTask           string
	FailedTaskExitStatus string
	FailedTaskStdout     string
	FailedTaskStderr     string
	FailedTaskStdoutPath string
	FailedTaskStderrPath string
}

// TaskStdout returns the failed task's stdout, reading it from the backend-reported
// log path when no literal value was captured.
func (e *ExecutionFailure) TaskStdout() string {
	if e.FailedTaskStdout != "" {
		return e.FailedTaskStdout
	}
	return readTaskLog(e.FailedTaskStdoutPath)
}

// TaskStderr returns the failed task's stderr; see TaskStdout.
func (e *ExecutionFailure) TaskStderr() string {
	if e.FailedTaskStderr != "" {
		return e.FailedTaskStderr
	}
	return readTaskLog(e.FailedTaskStderrPath)
}

// readTaskLog reads a task log, falling back to the ".background" variant that
// backgrounded jobs write instead.
func readTaskLog(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		alt := strings.TrimSuffix(path, filepath.Ext(path)) + ".background"
		if data, err = os.ReadFile(alt); err != nil {
			return ""
		}
	}
	return string(data)
}

func (e *ExecutionFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed with status %s while running ", e.Executor, e.Status)
	if e.FailedTask != "" {
		fmt.Fprintf(&b, "task %s of ", e.FailedTask)
	}
	b.WriteString(e.Target)
	b.WriteString(":")

	if e.Message != "" {
		writeBlock(&b, "msg", e.Message)
	}
	if len(e.Inputs) > 0 {
		data, err := json.Marshal(e.Inputs)
		if err != nil {
			data = []byte(fmt.Sprintf("%v", e.Inputs))
		}
		writeBlock(&b, "inputs", string(data))
	}
	if e.ExecutorStdout != "" {
		writeBlock(&b, "executor_stdout", e.ExecutorStdout)
	}
	if e.ExecutorStderr != "" {
		writeBlock(&b, "executor_stderr", e.ExecutorStderr)
	}
	if e.FailedTaskExitStatus != "" {
		fmt.Fprintf(&b, "\n    failed_task_exit_status: %s", e.FailedTaskExitStatus)
	}
	if out := e.TaskStdout(); out != "" {
		writeBlock(&b, "failed_task_stdout", out)
	} else if e.FailedTaskStdoutPath != "" {
		fmt.Fprintf(&b, "\n    failed_task_stdout_path: %s", e.FailedTaskStdoutPath)
	}
	if errOut := e.TaskStderr(); errOut != "" {
		writeBlock(&b, "failed_task_stderr", errOut)
	} else if e.FailedTaskStderrPath != "" {
		fmt.Fprintf(&b, "\n    failed_task_stderr_path: %s", e.FailedTaskStderrPath)
	}
	return b.String()
}

func writeBlock(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "\n    %s:", label)
	for _, line := range strings.Split(strings.TrimRight(value, "\n"), "\n") {
		b.WriteString("\n        ")
		b.WriteString(line)
	}
}
