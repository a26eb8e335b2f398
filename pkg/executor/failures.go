package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/model"
)

// cromwellMetadata is the subset of a Cromwell workflow metadata document the
// harness reads. Sub-workflow metadata has the same shape.
type cromwellMetadata struct {
	ID       string                    `json:"id"`
	Status   string                    `json:"status"`
	Outputs  map[string]any            `json:"outputs"`
	Calls    map[string][]callMetadata `json:"calls"`
	Failures []cromwellFailure         `json:"failures"`
}

type callMetadata struct {
	ExecutionStatus     string            `json:"executionStatus"`
	ShardIndex          *int              `json:"shardIndex"`
	Attempt             int               `json:"attempt"`
	ReturnCode          any               `json:"returnCode"`
	Stdout              string            `json:"stdout"`
	Stderr              string            `json:"stderr"`
	Start               string            `json:"start"`
	End                 string            `json:"end"`
	Failures            []cromwellFailure `json:"failures"`
	SubWorkflowMetadata *cromwellMetadata `json:"subWorkflowMetadata"`
}

type cromwellFailure struct {
	Message  string            `json:"message"`
	CausedBy []cromwellFailure `json:"causedBy"`
}

// failureDetail is the leaf failure found by drilling into backend metadata.
type failureDetail struct {
	NumFailed  int
	Task       string
	ExitStatus string
	Stdout     string
	Stderr     string
	StdoutPath string
	StderrPath string
}

func (d *failureDetail) apply(f *model.ExecutionFailure) {
	f.NumFailed = d.NumFailed
	f.FailedTask = d.Task
	f.FailedTaskExitStatus = d.ExitStatus
	f.FailedTaskStdout = d.Stdout
	f.FailedTaskStderr = d.Stderr
	f.FailedTaskStdoutPath = d.StdoutPath
	f.FailedTaskStderrPath = d.StderrPath
}

func parseCromwellMetadata(data []byte) (*cromwellMetadata, error) {
	var md cromwellMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse cromwell metadata: %w", err)
	}
	return &md, nil
}

// applyCromwellFailures fills the task-level fields of f from metadata and
// sets its message.
func applyCromwellFailures(f *model.ExecutionFailure, md *cromwellMetadata) {
	d := drillCromwellFailures(md)
	if d == nil {
		f.Message = "cromwell failed on workflow " + f.Target
		if len(md.Failures) > 0 {
			f.Message += "\n" + failureChain(md.Failures[0])
		}
		return
	}
	d.apply(f)
	if d.NumFailed > 1 {
		f.Message = fmt.Sprintf("cromwell failed on %d instances of %s; only showing output from the first failed task",
			d.NumFailed, d.Task)
	}
}

// drillCromwellFailures finds the first chronological failed call and, when
// that call is a sub-workflow, recurses into its metadata until a leaf task is
// reached. It returns nil when no call failed.
func drillCromwellFailures(md *cromwellMetadata) *failureDetail {
	if md == nil {
		return nil
	}

	var (
		bestName  string
		bestCall  *callMetadata
		bestCount int
	)
	for _, name := range sortedCallNames(md.Calls) {
		failed := failedCalls(md.Calls[name])
		if len(failed) == 0 {
			continue
		}
		first := failed[0]
		if bestCall == nil || earlier(first, bestCall) {
			bestName, bestCall, bestCount = name, first, len(failed)
		}
	}
	if bestCall == nil {
		return nil
	}

	if bestCall.SubWorkflowMetadata != nil {
		if d := drillCromwellFailures(bestCall.SubWorkflowMetadata); d != nil {
			return d
		}
	}

	d := &failureDetail{
		NumFailed:  bestCount,
		Task:       bestName,
		ExitStatus: "Unknown",
	}
	if bestCall.ReturnCode != nil {
		d.ExitStatus = cast.ToString(bestCall.ReturnCode)
	}
	switch {
	case bestCall.Stdout != "" || bestCall.Stderr != "":
		d.StdoutPath = bestCall.Stdout
		d.StderrPath = bestCall.Stderr
	case len(bestCall.Failures) > 0:
		d.Stderr = failureChain(bestCall.Failures[0])
	}
	return d
}

// failedCalls returns the Failed entries of one call ordered by start time,
// then end time, keeping the reported order for ties.
func failedCalls(calls []callMetadata) []*callMetadata {
	var failed []*callMetadata
	for i := range calls {
		if calls[i].ExecutionStatus == "Failed" {
			failed = append(failed, &calls[i])
		}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return earlier(failed[i], failed[j])
	})
	return failed
}

// earlier reports whether a started (or, on equal starts, ended) strictly
// before b. Missing timestamps sort last.
func earlier(a, b *callMetadata) bool {
	as, bs := parseTimestamp(a.Start), parseTimestamp(b.Start)
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	ae, be := parseTimestamp(a.End), parseTimestamp(b.End)
	return ae.Before(be)
}

var farFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

func parseTimestamp(s string) time.Time {
	if s == "" {
		return farFuture
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return farFuture
	}
	return t
}

func sortedCallNames(calls map[string][]callMetadata) []string {
	names := make([]string, 0, len(calls))
	for name := range calls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// failureChain joins a failure message with its causes, depth first.
func failureChain(f cromwellFailure) string {
	parts := []string{f.Message}
	var walk func([]cromwellFailure)
	walk = func(causes []cromwellFailure) {
		for _, c := range causes {
			if c.Message != "" {
				parts = append(parts, c.Message)
			}
			walk(c.CausedBy)
		}
	}
	walk(f.CausedBy)
	return strings.Join(parts, "\n  ")
}

// miniwdlError is the document miniwdl writes with --error-json. Run
// failures nest their underlying error under cause.
type miniwdlError struct {
	Error      string        `json:"error"`
	Message    string        `json:"message"`
	Run        string        `json:"run"`
	Dir        string        `json:"dir"`
	ExitStatus *int          `json:"exit_status"`
	StdoutFile string        `json:"stdout_file"`
	StderrFile string        `json:"stderr_file"`
	Cause      *miniwdlError `json:"cause"`
}

// parseMiniwdlError finds the error document in miniwdl's output, trying
// each stream whole and then from the last line that opens a JSON object.
func parseMiniwdlError(streams ...string) *miniwdlError {
	for _, s := range streams {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var e miniwdlError
		if err := json.Unmarshal([]byte(s), &e); err == nil && e.Error != "" {
			return &e
		}
		if i := strings.LastIndex(s, "\n{"); i >= 0 {
			var tail miniwdlError
			if err := json.Unmarshal([]byte(s[i+1:]), &tail); err == nil && tail.Error != "" {
				return &tail
			}
		}
	}
	return nil
}

// drillMiniwdlError follows the cause chain to the innermost error, keeping
// the innermost run identifier as the failed task.
func drillMiniwdlError(e *miniwdlError) (*failureDetail, string) {
	d := &failureDetail{NumFailed: 1, ExitStatus: "Unknown"}
	msg := e.Message
	for cur := e; cur != nil; cur = cur.Cause {
		if cur.Run != "" {
			d.Task = cur.Run
		}
		if cur.Message != "" {
			msg = cur.Message
		}
		if cur.ExitStatus != nil {
			d.ExitStatus = fmt.Sprint(*cur.ExitStatus)
		}
		if cur.StdoutFile != "" {
			d.StdoutPath = cur.StdoutFile
		}
		if cur.StderrFile != "" {
			d.StderrPath = cur.StderrFile
		}
	}
	if d.Task == "" {
		return nil, msg
	}
	return d, msg
}
