package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/omics"
	"github.com/aws/aws-sdk-go-v2/service/omics/document"
	"github.com/aws/aws-sdk-go-v2/service/omics/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/localize"
	"github.com/me/wdlharness/pkg/model"
)

// OmicsName is the registry name of the AWS HealthOmics executor.
const OmicsName = "omics"

// DefaultOmicsPollInterval is how often workflow and run status is checked.
const DefaultOmicsPollInterval = 30 * time.Second

// OmicsAPI is the subset of the HealthOmics client the executor uses.
type OmicsAPI interface {
	CreateWorkflow(ctx context.Context, in *omics.CreateWorkflowInput, optFns ...func(*omics.Options)) (*omics.CreateWorkflowOutput, error)
	GetWorkflow(ctx context.Context, in *omics.GetWorkflowInput, optFns ...func(*omics.Options)) (*omics.GetWorkflowOutput, error)
	StartRun(ctx context.Context, in *omics.StartRunInput, optFns ...func(*omics.Options)) (*omics.StartRunOutput, error)
	GetRun(ctx context.Context, in *omics.GetRunInput, optFns ...func(*omics.Options)) (*omics.GetRunOutput, error)
	ListRunTasks(ctx context.Context, in *omics.ListRunTasksInput, optFns ...func(*omics.Options)) (*omics.ListRunTasksOutput, error)
	GetRunTask(ctx context.Context, in *omics.GetRunTaskInput, optFns ...func(*omics.Options)) (*omics.GetRunTaskOutput, error)
}

// ObjectGetter reads run outputs from S3.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// OmicsConfig configures the HealthOmics executor.
type OmicsConfig struct {
	ImportDirs []string
	AWS        localize.AWSOptions
	// RoleArn is the service role runs assume.
	RoleArn string
	// OutputURI is the s3:// prefix runs write to.
	OutputURI       string
	StorageCapacity int32
	RunGroupID      string
	PollInterval    time.Duration
	Timeout         time.Duration
	Cache           WorkflowCache

	Client OmicsAPI
	S3     ObjectGetter
}

// Omics registers WDL workflows with AWS HealthOmics and runs them. Workflow
// registrations are cached by archive digest. A polling timeout leaves the
// remote run in progress.
type Omics struct {
	cfg    OmicsConfig
	logger *slog.Logger

	mu     sync.Mutex
	client OmicsAPI
	s3     ObjectGetter
}

// NewOmicsFromOptions is the registry factory for HealthOmics with a
// private in-memory workflow cache.
func NewOmicsFromOptions(importDirs []string, defaults map[string]any, logger *slog.Logger) (Executor, error) {
	return NewOmics(omicsConfigFromOptions(importDirs, defaults), logger)
}

// OmicsFactory returns a registry factory whose executors share cache.
func OmicsFactory(cache WorkflowCache) Factory {
	return func(importDirs []string, defaults map[string]any, logger *slog.Logger) (Executor, error) {
		cfg := omicsConfigFromOptions(importDirs, defaults)
		cfg.Cache = cache
		return NewOmics(cfg, logger)
	}
}

// omicsConfigFromOptions reads executor options. Durations are given in
// seconds.
func omicsConfigFromOptions(importDirs []string, defaults map[string]any) OmicsConfig {
	cfg := OmicsConfig{
		ImportDirs: importDirs,
		AWS: localize.AWSOptions{
			Region:  cast.ToString(defaults["region"]),
			Profile: cast.ToString(defaults["profile"]),
		},
		RoleArn:         cast.ToString(defaults["role_arn"]),
		OutputURI:       cast.ToString(defaults["output_uri"]),
		StorageCapacity: cast.ToInt32(defaults["storage_capacity"]),
		RunGroupID:      cast.ToString(defaults["run_group_id"]),
	}
	if v, ok := defaults["poll_interval"]; ok {
		cfg.PollInterval = time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
	if v, ok := defaults["timeout"]; ok {
		cfg.Timeout = time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
	return cfg
}

// NewOmics creates a HealthOmics executor. AWS clients are created on first
// use unless given in cfg.
func NewOmics(cfg OmicsConfig, logger *slog.Logger) (*Omics, error) {
	if cfg.RoleArn == "" {
		return nil, model.NewConfigError("role_arn", "required for the %s executor", OmicsName)
	}
	if !strings.HasPrefix(cfg.OutputURI, "s3://") {
		return nil, model.NewConfigError("output_uri", "must be an s3:// URI, got %q", cfg.OutputURI)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOmicsPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	return &Omics{
		cfg:    cfg,
		logger: discardIfNil(logger).With("component", "omics-executor"),
		client: cfg.Client,
		s3:     cfg.S3,
	}, nil
}

// Name returns OmicsName.
func (o *Omics) Name() string { return OmicsName }

func (o *Omics) clients(ctx context.Context) (OmicsAPI, ObjectGetter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client != nil && o.s3 != nil {
		return o.client, o.s3, nil
	}
	awsCfg, err := localize.LoadAWSConfig(ctx, o.cfg.AWS)
	if err != nil {
		return nil, nil, &model.InvocationError{Executor: OmicsName, Message: "load AWS configuration", Err: err}
	}
	if o.client == nil {
		o.client = omics.NewFromConfig(awsCfg)
	}
	if o.s3 == nil {
		o.s3 = s3.NewFromConfig(awsCfg)
	}
	return o.client, o.s3, nil
}

// RunWorkflow registers (or reuses) the workflow, starts a run and waits for
// it to finish.
func (o *Omics) RunWorkflow(ctx context.Context, wdlPath string, inputs map[string]any, expected map[string]any, opts RunOptions) (map[string]any, error) {
	target, isTask := TargetName(wdlPath, opts)
	if isTask {
		return nil, model.NewConfigError("task_name", "%s cannot execute tasks independently of a workflow", OmicsName)
	}

	client, objects, err := o.clients(ctx)
	if err != nil {
		return nil, err
	}

	params, ok, err := readInputsFile(opts.InputsFile)
	if err != nil {
		return nil, err
	}
	if ok {
		params = stripNamespace(params, target)
	} else if params, err = NamespacedInputs(ctx, inputs, ""); err != nil {
		return nil, err
	}

	failure := func(status model.RunState, msg string) *model.ExecutionFailure {
		return &model.ExecutionFailure{
			Executor: OmicsName,
			Target:   target,
			Status:   status,
			Inputs:   params,
			Message:  msg,
		}
	}

	workflowID, err := o.workflow(ctx, client, wdlPath, target)
	if err != nil {
		var ef *model.ExecutionFailure
		if errors.As(err, &ef) {
			ef.Inputs = params
		}
		return nil, err
	}

	in := &omics.StartRunInput{
		RequestId:    aws.String(uuid.NewString()),
		RoleArn:      aws.String(o.cfg.RoleArn),
		WorkflowId:   aws.String(workflowID),
		WorkflowType: types.WorkflowTypePrivate,
		Name:         aws.String(target),
		OutputUri:    aws.String(o.cfg.OutputURI),
		Parameters:   document.NewLazyDocument(params),
	}
	if o.cfg.StorageCapacity > 0 {
		in.StorageCapacity = aws.Int32(o.cfg.StorageCapacity)
	}
	if o.cfg.RunGroupID != "" {
		in.RunGroupId = aws.String(o.cfg.RunGroupID)
	}

	o.logger.Info("starting omics run", "workflow_id", workflowID, "target", target, "inputs", params)
	started, err := client.StartRun(ctx, in)
	if err != nil {
		return nil, &model.InvocationError{Executor: OmicsName, Message: "start run", Err: err}
	}
	runID := aws.ToString(started.Id)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	run, err := o.waitForRun(ctx, client, runID, timeout)
	if err != nil {
		return nil, err
	}
	if run == nil {
		o.logger.Error("timed out waiting for run", "id", runID, "timeout", timeout)
		return nil, failure(model.RunStateTimeout, "Encountered timeout for run with id "+runID)
	}

	switch run.Status {
	case types.RunStatusCompleted:
	case types.RunStatusFailed:
		f := failure(model.RunStateFailed, aws.ToString(run.StatusMessage))
		if err := o.drillFailure(ctx, client, runID, f); err != nil {
			o.logger.Warn("could not read failed tasks", "id", runID, "error", err)
		}
		return nil, f
	default:
		return nil, failure(model.RunStateAborted, fmt.Sprintf("run %s ended with status %s", runID, run.Status))
	}

	outputURI := aws.ToString(run.OutputUri)
	if outputURI == "" {
		outputURI = o.cfg.OutputURI
	}
	outputs, err := o.readOutputs(ctx, objects, outputURI, runID)
	if err != nil {
		return nil, err
	}

	if len(expected) > 0 {
		if err := ValidateOutputs(ctx, outputs, expected, target); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

// workflow returns the id of an ACTIVE workflow for wdlPath, registering it
// when the cache has no entry for the current archive digest.
func (o *Omics) workflow(ctx context.Context, client OmicsAPI, wdlPath, target string) (string, error) {
	archive, err := o.definitionZip(wdlPath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(archive)
	key := hex.EncodeToString(sum[:])

	cached, err := o.cfg.Cache.Get(ctx, OmicsName, key)
	if err != nil {
		return "", fmt.Errorf("workflow cache: %w", err)
	}
	if cached != nil {
		o.logger.Debug("reusing registered workflow", "workflow_id", cached.WorkflowID, "source", wdlPath)
		return cached.WorkflowID, nil
	}

	o.logger.Info("registering omics workflow", "source", wdlPath, "bytes", len(archive))
	created, err := client.CreateWorkflow(ctx, &omics.CreateWorkflowInput{
		RequestId:     aws.String(uuid.NewString()),
		Name:          aws.String(target),
		Engine:        types.WorkflowEngineWdl,
		Main:          aws.String(filepath.Base(wdlPath)),
		DefinitionZip: archive,
	})
	if err != nil {
		return "", &model.InvocationError{Executor: OmicsName, Message: "create workflow", Err: err}
	}
	id := aws.ToString(created.Id)

	deadline := time.Now().Add(o.cfg.Timeout)
	for {
		wf, err := client.GetWorkflow(ctx, &omics.GetWorkflowInput{Id: aws.String(id)})
		if err != nil {
			return "", &model.InvocationError{Executor: OmicsName, Message: "get workflow " + id, Err: err}
		}
		switch wf.Status {
		case types.WorkflowStatusActive:
			abs, _ := filepath.Abs(wdlPath)
			if err := o.cfg.Cache.Put(ctx, &CachedWorkflow{
				Executor: OmicsName, Key: key, WorkflowID: id, Source: abs,
			}); err != nil {
				return "", fmt.Errorf("workflow cache: %w", err)
			}
			return id, nil
		case types.WorkflowStatusFailed:
			return "", &model.ExecutionFailure{
				Executor: OmicsName,
				Target:   target,
				Status:   model.RunStateFailed,
				Message:  "workflow registration failed: " + aws.ToString(wf.StatusMessage),
			}
		}
		if !time.Now().Add(o.cfg.PollInterval).Before(deadline) {
			return "", &model.InvocationError{Executor: OmicsName, Message: "timed out waiting for workflow " + id + " to become active"}
		}
		if err := sleep(ctx, o.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

// definitionZip archives the main WDL with the configured imports.
func (o *Omics) definitionZip(wdlPath string) ([]byte, error) {
	imports, err := collectImports(o.cfg.ImportDirs)
	if err != nil {
		return nil, err
	}
	files := []string{wdlPath}
	main := filepath.Base(wdlPath)
	for _, f := range imports {
		if filepath.Base(f) != main {
			files = append(files, f)
		}
	}
	var buf bytes.Buffer
	if err := writeZip(&buf, files); err != nil {
		return nil, fmt.Errorf("archive %s: %w", wdlPath, err)
	}
	return buf.Bytes(), nil
}

// waitForRun polls until the run is terminal. A nil result means timeout.
func (o *Omics) waitForRun(ctx context.Context, client OmicsAPI, runID string, timeout time.Duration) (*omics.GetRunOutput, error) {
	deadline := time.Now().Add(timeout)
	for {
		run, err := client.GetRun(ctx, &omics.GetRunInput{Id: aws.String(runID)})
		if err != nil {
			return nil, &model.InvocationError{Executor: OmicsName, Message: "get run " + runID, Err: err}
		}
		o.logger.Debug("run status", "id", runID, "status", run.Status)
		switch run.Status {
		case types.RunStatusCompleted, types.RunStatusFailed, types.RunStatusCancelled, types.RunStatusDeleted:
			return run, nil
		}
		if !time.Now().Add(o.cfg.PollInterval).Before(deadline) {
			return nil, nil
		}
		if err := sleep(ctx, o.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// drillFailure picks the earliest-stopped failed task of the run.
func (o *Omics) drillFailure(ctx context.Context, client OmicsAPI, runID string, f *model.ExecutionFailure) error {
	var failed []types.TaskListItem
	pages := omics.NewListRunTasksPaginator(client, &omics.ListRunTasksInput{
		Id:     aws.String(runID),
		Status: types.TaskStatusFailed,
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return err
		}
		failed = append(failed, page.Items...)
	}
	if len(failed) == 0 {
		return nil
	}

	sort.SliceStable(failed, func(i, j int) bool {
		a, b := failed[i], failed[j]
		as, bs := timeOrFuture(a.StopTime), timeOrFuture(b.StopTime)
		if !as.Equal(bs) {
			return as.Before(bs)
		}
		as, bs = timeOrFuture(a.StartTime), timeOrFuture(b.StartTime)
		if !as.Equal(bs) {
			return as.Before(bs)
		}
		return aws.ToString(a.Name) < aws.ToString(b.Name)
	})
	first := failed[0]

	f.NumFailed = len(failed)
	f.FailedTask = aws.ToString(first.Name)
	f.FailedTaskExitStatus = "Unknown"

	task, err := client.GetRunTask(ctx, &omics.GetRunTaskInput{Id: aws.String(runID), TaskId: first.TaskId})
	if err != nil {
		return err
	}
	if name := aws.ToString(task.Name); name != "" {
		f.FailedTask = name
	}
	f.FailedTaskStderr = aws.ToString(task.StatusMessage)
	if stream := aws.ToString(task.LogStream); stream != "" {
		f.Message = strings.TrimSpace(f.Message + "\ntask log stream: " + stream)
	}
	if f.NumFailed > 1 {
		f.Message = fmt.Sprintf("omics run failed on %d tasks; only showing output from the first failed task\n%s",
			f.NumFailed, f.Message)
	}
	return nil
}

func (o *Omics) readOutputs(ctx context.Context, objects ObjectGetter, outputURI, runID string) (map[string]any, error) {
	bucket, prefix, err := localize.ParseS3URL(outputURI)
	if err != nil {
		return nil, err
	}
	key := strings.Trim(prefix, "/")
	if key != "" {
		key += "/"
	}
	key += runID + "/logs/outputs.json"

	obj, err := objects.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, &model.InvocationError{Executor: OmicsName, Message: fmt.Sprintf("read s3://%s/%s", bucket, key), Err: err}
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("read run outputs: %w", err)
	}
	var outputs map[string]any
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("parse run outputs s3://%s/%s: %w", bucket, key, err)
	}
	return outputs, nil
}

// stripNamespace removes a "<target>." prefix from input keys.
func stripNamespace(doc map[string]any, target string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[strings.TrimPrefix(k, target+".")] = v
	}
	return out
}

func timeOrFuture(t *time.Time) time.Time {
	if t == nil {
		return farFuture
	}
	return *t
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
