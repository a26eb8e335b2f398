package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoLocalizer is returned when a data file is missing and has no way to be materialized.
var ErrNoLocalizer = errors.New("localization is required but no localizer is defined")

// ConfigError reports a harness configuration problem: a missing or invalid
// descriptor field, a bad directory layout, or an unknown type/executor name.
// These are raised at resolution time, never deferred to execution.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", msg, e.Err)
	}
	return "configuration error: " + msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a ConfigError with a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when a named fixture or fixture file cannot be found.
type NotFoundError struct {
	Kind     string   // "fixture", "file", "executor"
	Name     string
	Searched []string // directories searched, in order
}

func (e *NotFoundError) Error() string {
	if len(e.Searched) > 0 {
		return fmt.Sprintf("%s %q not found in any of the following directories: [%s]",
			e.Kind, e.Name, strings.Join(e.Searched, ", "))
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// LocalizationError wraps any failure to materialize a remote or literal source.
type LocalizationError struct {
	Source string
	Err    error
}

func (e *LocalizationError) Error() string {
	return fmt.Sprintf("error localizing %s: %v", e.Source, e.Err)
}

func (e *LocalizationError) Unwrap() error { return e.Err }

// DigestMismatchError is returned when a file digest differs from its expected value.
type DigestMismatchError struct {
	Path      string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("%s digest of %s does not match: expected %s, got %s",
		e.Algorithm, e.Path, e.Expected, e.Actual)
}

// ComparisonError is an assertion-style failure raised when two files differ.
type ComparisonError struct {
	Path1   string
	Path2   string
	Message string
	Err     error
}

func (e *ComparisonError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s != %s: %v", e.Message, e.Path1, e.Path2, e.Err)
	}
	return fmt.Sprintf("%s: %s, %s", e.Message, e.Path1, e.Path2)
}

func (e *ComparisonError) Unwrap() error { return e.Err }

// OutputMismatchError reports an actual workflow output that does not match its expected value.
type OutputMismatchError struct {
	Key     string
	Message string
	Err     error
}

func (e *OutputMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("output %s: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("output %s: %s", e.Key, e.Message)
}

func (e *OutputMismatchError) Unwrap() error { return e.Err }

// InvocationError means the harness could not complete an execution attempt:
// the backend binary is missing, the command was malformed, or polling timed out
// before submission. It is never used to report that a workflow itself failed.
type InvocationError struct {
	Executor string
	Message  string
	Stdout   string
	Stderr   string
	Err      error
}

func (e *InvocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s could not be invoked: %s", e.Executor, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stdout != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", e.Stdout)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", e.Stderr)
	}
	return b.String()
}

func (e *InvocationError) Unwrap() error { return e.Err }
