package model

// RunState is the backend-reported status of one workflow execution.
// Invocations move Submitted → Running → {Succeeded | Failed | Aborted}; the
// state is conceptual and never persisted.
type RunState string

const (
	RunStateSubmitted RunState = "Submitted"
	RunStateRunning   RunState = "Running"
	RunStateSucceeded RunState = "Succeeded"
	RunStateFailed    RunState = "Failed"
	RunStateAborted   RunState = "Aborted"
	// RunStateTimeout is a client-side terminal state: polling gave up before the
	// backend reached a terminal state. The remote run may still be in progress.
	RunStateTimeout RunState = "Timeout"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if no further progress occurs from this state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateAborted, RunStateTimeout:
		return true
	}
	return false
}
