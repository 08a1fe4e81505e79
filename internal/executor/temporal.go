package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

// TemporalExecutor starts one workflow per run name. Temporal's workflow ID
// uniqueness is the single-winner mechanism.
type TemporalExecutor struct {
	client    client.Client
	taskQueue string
	workflow  string
}

func NewTemporalExecutor(c client.Client, taskQueue, workflowName string) *TemporalExecutor {
	return &TemporalExecutor{client: c, taskQueue: taskQueue, workflow: workflowName}
}

func (e *TemporalExecutor) Start(ctx context.Context, runName string, input asset.PipelineInput) (string, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       runName,
		TaskQueue:                                e.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, e.workflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return fmt.Sprintf("temporal:%s:%s", runName, started.RunId), fmt.Errorf("workflow %s: %w", runName, asset.ErrAlreadyExists)
		}
		return "", asset.Transient("start workflow", err)
	}
	return fmt.Sprintf("temporal:%s:%s", run.GetID(), run.GetRunID()), nil
}

// Signaller delivers finish signals to the stage advancer's queue.
type Signaller interface {
	Push(ctx context.Context, body []byte) (string, error)
}

// Activities are the Temporal-side counterparts of the Redis runner.
type Activities struct {
	Pipeline Pipeline
	Finished Signaller
}

func (a *Activities) RunSteps(ctx context.Context, input asset.PipelineInput) (map[string]string, error) {
	outputs, err := a.Pipeline.Execute(ctx, input, nil)
	if err != nil && StepFailedPermanently(err) {
		return outputs, temporal.NewNonRetryableApplicationError(err.Error(), "PermanentInput", err)
	}
	return outputs, err
}

func (a *Activities) Finish(ctx context.Context, signal asset.FinishSignal) error {
	body, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("encode finish signal: %w", err)
	}
	_, err = a.Finished.Push(ctx, body)
	return err
}

// PipelineWorkflow runs the steps as one activity and always reports the outcome.
func PipelineWorkflow(ctx workflow.Context, input asset.PipelineInput) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})

	var a *Activities
	signal := asset.FinishSignal{
		AssetID:   input.AssetID,
		Bucket:    input.Bucket,
		ObjectKey: input.ObjectKey,
		RunName:   workflow.GetInfo(ctx).WorkflowExecution.ID,
		Outcome:   asset.OutcomeSucceeded,
	}
	var outputs map[string]string
	if err := workflow.ExecuteActivity(ctx, a.RunSteps, input).Get(ctx, &outputs); err != nil {
		signal.Outcome = asset.OutcomeFailed
		signal.Error = truncate(err.Error())
		workflow.GetLogger(ctx).Error("pipeline steps failed", "asset_id", input.AssetID, "error", err)
	}
	return workflow.ExecuteActivity(ctx, a.Finish, signal).Get(ctx, nil)
}

// NewTemporalWorker registers the pipeline workflow under workflowName.
func NewTemporalWorker(c client.Client, taskQueue, workflowName string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(PipelineWorkflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivity(acts)
	return w
}
