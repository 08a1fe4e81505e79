package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-asset-pipeline/internal/queue"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)

// KEYS: run record, run queue. ARGV: run name, state machine, asset id,
// started_at, retention ms, queued record.
var startRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'run_name', ARGV[1], 'state_machine', ARGV[2], 'asset_id', ARGV[3], 'status', 'PENDING', 'started_at', ARGV[4], 'attempts', 0)
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
redis.call('RPUSH', KEYS[2], ARGV[6])
return 1
`)

// RedisExecutor records a run marker and queues the run in one atomic step, so
// a marker never exists without a queued run and a name is never queued twice.
type RedisExecutor struct {
	redis        *redis.Client
	stateMachine string
	runQueue     string
	retention    time.Duration
	now          func() time.Time
}

type RedisExecutorOptions struct {
	StateMachine string
	RunQueue     string
	// Retention keeps finished run markers so late duplicates still collide.
	Retention time.Duration
}

func NewRedisExecutor(client *redis.Client, opts RedisExecutorOptions) *RedisExecutor {
	return &RedisExecutor{
		redis:        client,
		stateMachine: opts.StateMachine,
		runQueue:     opts.RunQueue,
		retention:    opts.Retention,
		now:          time.Now,
	}
}

func runKey(name string) string {
	return fmt.Sprintf("run:%s", name)
}

func (e *RedisExecutor) Handle(runName string) string {
	return fmt.Sprintf("execution:%s:%s", e.stateMachine, runName)
}

func (e *RedisExecutor) Start(ctx context.Context, runName string, input asset.PipelineInput) (string, error) {
	startedAt := e.now().Unix()
	body, err := json.Marshal(Run{
		RunName:      runName,
		StateMachine: e.stateMachine,
		Input:        input,
		StartedAt:    startedAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode run: %w", err)
	}
	record, err := queue.EncodeMessage(runName, body)
	if err != nil {
		return "", err
	}

	started, err := startRunScript.Run(ctx, e.redis, []string{runKey(runName), e.runQueue},
		runName, e.stateMachine, input.AssetID, startedAt, e.retention.Milliseconds(), record).Int()
	if err != nil {
		return "", asset.Transient("start execution", err)
	}
	if started == 0 {
		return e.Handle(runName), fmt.Errorf("execution %s: %w", runName, asset.ErrAlreadyExists)
	}
	return e.Handle(runName), nil
}

// RunStatus returns the recorded status of a run, or "" if there is no record.
func (e *RedisExecutor) RunStatus(ctx context.Context, runName string) (string, error) {
	status, err := e.redis.HGet(ctx, runKey(runName), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", asset.Transient("run status", err)
	}
	return status, nil
}

// Runner interprets queued runs: it executes the pipeline steps, retries
// transient failures through redelivery and signals the outcome once.
type Runner struct {
	redis         *redis.Client
	pipeline      Pipeline
	finishedQueue string
	maxRetries    int64
	maxDeliveries int
	logger        *slog.Logger
	now           func() time.Time
}

type RunnerOptions struct {
	FinishedQueue string
	MaxRetries    int
	// MaxDeliveries is the run queue's dead-letter limit. The last delivery
	// finishes the run FAILED so no run is dead-lettered unsignalled.
	MaxDeliveries int
	Logger        *slog.Logger
}

func NewRunner(client *redis.Client, pipeline Pipeline, opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		redis:         client,
		pipeline:      pipeline,
		finishedQueue: opts.FinishedQueue,
		maxRetries:    int64(opts.MaxRetries),
		maxDeliveries: opts.MaxDeliveries,
		logger:        logger,
		now:           time.Now,
	}
}

func (r *Runner) HandleBatch(ctx context.Context, msgs []queue.Message) queue.Report {
	var report queue.Report
	for i, msg := range msgs {
		if err := r.process(ctx, msg); err != nil {
			report.Fail(i, msg, err)
		}
	}
	return report
}

func (r *Runner) process(ctx context.Context, msg queue.Message) error {
	var run Run
	if err := json.Unmarshal(msg.Body, &run); err != nil || run.RunName == "" {
		return fmt.Errorf("%w: invalid run payload", asset.ErrPermanentInput)
	}
	key := runKey(run.RunName)

	status, err := r.redis.HGet(ctx, key, "status").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return asset.Transient("load run", err)
	}
	if status == RunSucceeded || status == RunFailed {
		r.logger.Info("run already finished, skipping", "run_name", run.RunName, "status", status)
		return nil
	}

	attempt, err := r.redis.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return asset.Transient("increment attempts", err)
	}
	if err := r.redis.HSet(ctx, key, "status", RunRunning, "error", "", "updated_at", r.now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return asset.Transient("mark running", err)
	}

	r.logger.Info("running pipeline", "run_name", run.RunName, "asset_id", run.Input.AssetID, "attempt", attempt)
	outputs, runErr := r.pipeline.Execute(ctx, run.Input, func(step string, _ map[string]string) {
		if err := r.redis.HSet(ctx, key, "step", step).Err(); err != nil {
			r.logger.Warn("failed to record step", "run_name", run.RunName, "step", step, "error", err)
		}
	})
	if runErr == nil {
		return r.finish(ctx, run, RunSucceeded, outputs, nil)
	}

	if StepFailedPermanently(runErr) {
		r.logger.Error("run failed permanently", "run_name", run.RunName, "error", runErr)
		return r.finish(ctx, run, RunFailed, outputs, runErr)
	}
	lastDelivery := r.maxDeliveries > 0 && msg.Attempts+1 >= r.maxDeliveries
	if lastDelivery || (r.maxRetries > 0 && attempt >= r.maxRetries) {
		r.logger.Error("run failed with no retries remaining", "run_name", run.RunName, "attempts", attempt, "deliveries", msg.Attempts+1, "error", runErr)
		return r.finish(ctx, run, RunFailed, outputs, runErr)
	}

	r.logger.Warn("run failed, retrying", "run_name", run.RunName, "attempt", attempt, "error", runErr)
	if err := r.redis.HSet(ctx, key, "status", RunPending, "error", truncate(runErr.Error())).Err(); err != nil {
		r.logger.Error("failed to update run for retry", "run_name", run.RunName, "error", err)
	}
	return asset.Transient("run pipeline", runErr)
}

// finish records the terminal run status and queues the finish signal in one transaction.
func (r *Runner) finish(ctx context.Context, run Run, status string, outputs map[string]string, cause error) error {
	signal := asset.FinishSignal{
		AssetID:   run.Input.AssetID,
		Bucket:    run.Input.Bucket,
		ObjectKey: run.Input.ObjectKey,
		RunName:   run.RunName,
		Outcome:   asset.OutcomeSucceeded,
	}
	fields := map[string]interface{}{
		"status":      status,
		"finished_at": r.now().Unix(),
		"error":       "",
	}
	if cause != nil {
		signal.Outcome = asset.OutcomeFailed
		signal.Error = truncate(cause.Error())
		fields["error"] = signal.Error
	}
	for k, v := range outputs {
		fields["out:"+k] = v
	}

	body, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("encode finish signal: %w", err)
	}
	record, err := queue.EncodeMessage(run.RunName+":finish", body)
	if err != nil {
		return err
	}

	key := runKey(run.RunName)
	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.RPush(ctx, r.finishedQueue, record)
		return nil
	})
	if err != nil {
		return asset.Transient("finish run", err)
	}
	r.logger.Info("run finished", "run_name", run.RunName, "asset_id", run.Input.AssetID, "status", status)
	return nil
}

func truncate(msg string) string {
	if len(msg) > 1024 {
		return msg[:1024]
	}
	return msg
}
