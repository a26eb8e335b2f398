package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/model"
)

// CromwellServerName is the registry name of the Cromwell REST executor.
const CromwellServerName = "cromwell-server"

// Cromwell server defaults.
const (
	DefaultCromwellAPIURL = "http://localhost:8000/api/workflows/v1"
	DefaultPollInterval   = 5 * time.Second
	DefaultPollTimeout    = 3600 * time.Second
)

// CromwellServerConfig configures the Cromwell REST executor.
type CromwellServerConfig struct {
	ImportDirs []string
	APIURL     string
	// Basic auth is sent only when both are set.
	Username string
	Password string
	// WorkflowOptions is a path to a workflow options file or a mapping sent
	// as JSON.
	WorkflowOptions any
	PollInterval    time.Duration
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// CromwellServer submits workflows to a Cromwell server and polls until they
// finish. A polling timeout leaves the remote workflow running.
type CromwellServer struct {
	importDirs   []string
	apiURL       string
	username     string
	password     string
	options      any
	pollInterval time.Duration
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// NewCromwellServerFromOptions is the registry factory for the Cromwell server
// executor. Durations are given in seconds.
func NewCromwellServerFromOptions(importDirs []string, defaults map[string]any, logger *slog.Logger) (Executor, error) {
	cfg := CromwellServerConfig{
		ImportDirs:      importDirs,
		APIURL:          cast.ToString(defaults["cromwell_api_url"]),
		Username:        cast.ToString(defaults["cromwell_api_username"]),
		Password:        cast.ToString(defaults["cromwell_api_password"]),
		WorkflowOptions: defaults["cromwell_configuration"],
	}
	if v, ok := defaults["poll_interval"]; ok {
		cfg.PollInterval = time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
	if v, ok := defaults["timeout"]; ok {
		cfg.Timeout = time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
	return NewCromwellServer(cfg, logger), nil
}

// NewCromwellServer creates a Cromwell REST executor.
func NewCromwellServer(cfg CromwellServerConfig, logger *slog.Logger) *CromwellServer {
	s := &CromwellServer{
		importDirs:   cfg.ImportDirs,
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		username:     cfg.Username,
		password:     cfg.Password,
		options:      cfg.WorkflowOptions,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		client:       cfg.HTTPClient,
		logger:       discardIfNil(logger).With("component", "cromwell-server-executor"),
	}
	if s.apiURL == "" {
		s.apiURL = DefaultCromwellAPIURL
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.timeout <= 0 {
		s.timeout = DefaultPollTimeout
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 5 * time.Minute}
	}
	return s
}

// Name returns CromwellServerName.
func (s *CromwellServer) Name() string { return CromwellServerName }

// RunWorkflow submits wdlPath, waits for a terminal state and fetches the
// workflow metadata.
func (s *CromwellServer) RunWorkflow(ctx context.Context, wdlPath string, inputs map[string]any, expected map[string]any, opts RunOptions) (map[string]any, error) {
	target, isTask := TargetName(wdlPath, opts)
	if isTask {
		return nil, model.NewConfigError("task_name", "cromwell cannot execute tasks independently of a workflow")
	}

	doc, ok, err := readInputsFile(opts.InputsFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		if doc, err = NamespacedInputs(ctx, inputs, target); err != nil {
			return nil, err
		}
	}
	importsFile, err := WorkflowImports(s.importDirs, opts.ImportsFile, s.logger)
	if err != nil {
		return nil, err
	}

	newFailure := func(status model.RunState, msg string) *model.ExecutionFailure {
		return &model.ExecutionFailure{
			Executor: CromwellServerName,
			Target:   target,
			Status:   status,
			Inputs:   doc,
			Message:  msg,
		}
	}

	body, contentType, err := s.submission(wdlPath, doc, importsFile)
	if err != nil {
		return nil, err
	}

	s.logger.Info("submitting workflow to cromwell server", "url", s.apiURL, "target", target, "inputs", doc)

	var submitted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := s.do(ctx, http.MethodPost, s.apiURL, body, contentType, &submitted); err != nil {
		return nil, s.requestFailure(err, newFailure)
	}
	runID := submitted.ID
	s.logger.Info("workflow submitted; waiting for terminal state", "id", runID)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	status, err := s.poll(ctx, runID, timeout)
	if err != nil {
		return nil, s.requestFailure(err, newFailure)
	}
	if status == model.RunStateTimeout {
		s.logger.Error("timed out waiting for workflow", "id", runID, "timeout", timeout)
		return nil, newFailure(model.RunStateTimeout, "Encountered timeout for run with id "+runID)
	}

	var md cromwellMetadata
	metadataURL := s.apiURL + "/" + runID + "/metadata?expandSubWorkflows=true"
	if err := s.do(ctx, http.MethodGet, metadataURL, nil, "", &md); err != nil {
		return nil, s.requestFailure(err, newFailure)
	}
	if md.Status != string(model.RunStateSucceeded) {
		failure := newFailure(metadataStatus(md.Status), "")
		applyCromwellFailures(failure, &md)
		return nil, failure
	}

	if len(expected) > 0 {
		if err := ValidateOutputs(ctx, md.Outputs, expected, target); err != nil {
			return md.Outputs, err
		}
	}
	return md.Outputs, nil
}

// submission builds the multipart request body.
func (s *CromwellServer) submission(wdlPath string, inputs map[string]any, importsFile string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := addFormFile(w, "workflowSource", wdlPath); err != nil {
		return nil, "", err
	}
	if len(inputs) > 0 {
		data, err := json.Marshal(inputs)
		if err != nil {
			return nil, "", fmt.Errorf("encode inputs: %w", err)
		}
		if err := w.WriteField("workflowInputs", string(data)); err != nil {
			return nil, "", err
		}
	}
	if importsFile != "" {
		if err := addFormFile(w, "workflowDependencies", importsFile); err != nil {
			return nil, "", err
		}
	}
	if !isEmptyOption(s.options) {
		opts, err := workflowOptions(s.options)
		if err != nil {
			return nil, "", err
		}
		if err := w.WriteField("workflowOptions", opts); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func workflowOptions(v any) (string, error) {
	if path, ok := v.(string); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &model.ConfigError{Field: "cromwell_configuration", Message: "cannot read " + path, Err: err}
		}
		return string(data), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", &model.ConfigError{Field: "cromwell_configuration", Message: "cannot encode workflow options", Err: err}
	}
	return string(data), nil
}

func addFormFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// poll checks the workflow status every poll interval until it is terminal
// or timeout elapses, in which case RunStateTimeout is returned.
func (s *CromwellServer) poll(ctx context.Context, runID string, timeout time.Duration) (model.RunState, error) {
	statusURL := s.apiURL + "/" + runID + "/status"
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		var st struct {
			Status string `json:"status"`
		}
		if err := s.do(ctx, http.MethodGet, statusURL, nil, "", &st); err != nil {
			return "", err
		}
		state := model.RunState(st.Status)
		s.logger.Debug("workflow status", "id", runID, "status", state)
		if state.IsTerminal() {
			return state, nil
		}
		if !time.Now().Add(s.pollInterval).Before(deadline) {
			return model.RunStateTimeout, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// httpStatusError is a non-2xx response from the server.
type httpStatusError struct {
	Code   int
	Reason string
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Code, e.Reason, e.Body)
}

func (s *CromwellServer) do(ctx context.Context, method, url string, body io.Reader, contentType string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return &httpStatusError{Code: resp.StatusCode, Reason: reason, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// requestFailure maps an HTTP status error to an ExecutionFailure carrying the
// reason phrase; transport errors are invocation errors.
func (s *CromwellServer) requestFailure(err error, newFailure func(model.RunState, string) *model.ExecutionFailure) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		f := newFailure(model.RunStateFailed, se.Reason)
		if se.Body != "" {
			f.ExecutorStderr = se.Body
		}
		return f
	}
	return &model.InvocationError{Executor: CromwellServerName, Message: "request to " + s.apiURL + " failed", Err: err}
}
