package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-asset-pipeline/internal/logging"
	"github.com/imalyk/go-asset-pipeline/internal/queue"
	"github.com/imalyk/go-asset-pipeline/internal/testsupport"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type fakeObjects struct {
	info     ObjectInfo
	body     string
	statErr  error
	statHits atomic.Int32
}

func (f *fakeObjects) Stat(context.Context, string, string) (ObjectInfo, error) {
	f.statHits.Add(1)
	return f.info, f.statErr
}

func (f *fakeObjects) Open(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestRunNameIsDeterministic(t *testing.T) {
	assert.Equal(t, "asset-a1", RunName("a1"))
	assert.Equal(t, RunName("uploads/1.jpg"), RunName("uploads/1.jpg"))
	assert.NotEqual(t, RunName("uploads/1.jpg"), RunName("uploads-1.jpg"))
	assert.Regexp(t, `^asset-uploads-1-jpg-[0-9a-f]{12}$`, RunName("uploads/1.jpg"))

	long := RunName(strings.Repeat("x", 200))
	assert.LessOrEqual(t, len(long), maxRunNameLen)
	assert.Equal(t, long, RunName(strings.Repeat("x", 200)))
}

func newTestExecutor(t *testing.T) (*RedisExecutor, *queue.RedisQueue, *queue.RedisQueue) {
	t.Helper()
	_, client := testsupport.NewRedis(t)
	e := NewRedisExecutor(client, RedisExecutorOptions{
		StateMachine: "asset-pipeline",
		RunQueue:     "pipeline:runs",
		Retention:    time.Hour,
	})
	runs := queue.NewRedisQueue(client, "pipeline:runs", queue.RedisQueueOptions{PollTimeout: time.Second})
	finished := queue.NewRedisQueue(client, "pipeline:finished", queue.RedisQueueOptions{PollTimeout: time.Second})
	return e, runs, finished
}

func TestRedisExecutorStartIsSingleWinner(t *testing.T) {
	ctx := context.Background()
	e, runs, _ := newTestExecutor(t)
	input := asset.PipelineInput{AssetID: "a1", Bucket: "b", ObjectKey: "k", RecipePK: "RECIPE#r1"}

	handle, err := e.Start(ctx, RunName("a1"), input)
	require.NoError(t, err)
	assert.Equal(t, "execution:asset-pipeline:asset-a1", handle)

	again, err := e.Start(ctx, RunName("a1"), input)
	assert.ErrorIs(t, err, asset.ErrAlreadyExists)
	assert.Equal(t, handle, again)

	queued, err := runs.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, queued)

	status, err := e.RunStatus(ctx, RunName("a1"))
	require.NoError(t, err)
	assert.Equal(t, RunPending, status)

	msgs, err := runs.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var run Run
	require.NoError(t, json.Unmarshal(msgs[0].Body, &run))
	assert.Equal(t, input, run.Input)
	assert.Equal(t, "asset-a1", run.RunName)
}

func TestRedisExecutorConcurrentStarts(t *testing.T) {
	ctx := context.Background()
	e, runs, _ := newTestExecutor(t)

	var wg sync.WaitGroup
	var wins, dupes atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Start(ctx, RunName("race"), asset.PipelineInput{AssetID: "race"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, asset.ErrAlreadyExists):
				dupes.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 9, dupes.Load())
	queued, err := runs.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, queued)
}

func receiveSignal(t *testing.T, finished *queue.RedisQueue) asset.FinishSignal {
	t.Helper()
	msgs, err := finished.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	sig, err := asset.ParseFinishSignal(msgs[0].Body)
	require.NoError(t, err)
	return sig
}

func TestRunnerSucceeds(t *testing.T) {
	ctx := context.Background()
	e, runs, finished := newTestExecutor(t)
	objects := &fakeObjects{info: ObjectInfo{Size: 5, ContentType: "image/jpeg", ETag: "etag"}, body: "hello"}
	runner := NewRunner(e.redis, DefaultPipeline(objects, "image/"), RunnerOptions{
		FinishedQueue: "pipeline:finished",
		MaxRetries:    3,
		Logger:        logging.Discard(),
	})

	_, err := e.Start(ctx, "asset-a1", asset.PipelineInput{AssetID: "a1", Bucket: "b", ObjectKey: "k"})
	require.NoError(t, err)
	msgs, err := runs.Receive(ctx, 1)
	require.NoError(t, err)

	report := runner.HandleBatch(ctx, msgs)
	assert.Empty(t, report.Failures)

	sig := receiveSignal(t, finished)
	assert.Equal(t, "a1", sig.AssetID)
	assert.Equal(t, asset.OutcomeSucceeded, sig.Outcome)
	assert.Equal(t, "asset-a1", sig.RunName)

	fields, err := e.redis.HGetAll(ctx, runKey("asset-a1")).Result()
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, fields["status"])
	assert.Equal(t, "checksum", fields["step"])
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", fields["out:sha256"])
	assert.Equal(t, "image/jpeg", fields["out:content_type"])

	// A redelivered run that already finished does nothing.
	report = runner.HandleBatch(ctx, msgs)
	assert.Empty(t, report.Failures)
	queued, err := finished.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestRunnerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	e, runs, finished := newTestExecutor(t)
	objects := &fakeObjects{statErr: asset.Transient("stat object", fmt.Errorf("connection reset"))}
	runner := NewRunner(e.redis, DefaultPipeline(objects, "image/"), RunnerOptions{
		FinishedQueue: "pipeline:finished",
		MaxRetries:    2,
		Logger:        logging.Discard(),
	})

	_, err := e.Start(ctx, "asset-a1", asset.PipelineInput{AssetID: "a1"})
	require.NoError(t, err)
	msgs, err := runs.Receive(ctx, 1)
	require.NoError(t, err)

	report := runner.HandleBatch(ctx, msgs)
	require.Len(t, report.Failures, 1)
	assert.False(t, report.Failures[0].Permanent)
	status, err := e.RunStatus(ctx, "asset-a1")
	require.NoError(t, err)
	assert.Equal(t, RunPending, status)

	report = runner.HandleBatch(ctx, msgs)
	assert.Empty(t, report.Failures)
	assert.EqualValues(t, 2, objects.statHits.Load())

	sig := receiveSignal(t, finished)
	assert.Equal(t, asset.OutcomeFailed, sig.Outcome)
	assert.Equal(t, asset.StatusFailed, sig.TargetStatus())
	assert.Contains(t, sig.Error, "connection reset")
}

func TestRunnerFinishesBeforeRunIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	_, client := testsupport.NewRedis(t)
	e := NewRedisExecutor(client, RedisExecutorOptions{StateMachine: "asset-pipeline", RunQueue: "pipeline:runs", Retention: time.Hour})
	runs := queue.NewRedisQueue(client, "pipeline:runs", queue.RedisQueueOptions{PollTimeout: time.Second, MaxDeliveries: 3})
	finished := queue.NewRedisQueue(client, "pipeline:finished", queue.RedisQueueOptions{PollTimeout: time.Second})
	objects := &fakeObjects{statErr: asset.Transient("stat object", fmt.Errorf("connection reset"))}
	// Unlimited step retries: only the queue's delivery limit bounds the run.
	runner := NewRunner(client, DefaultPipeline(objects, "image/"), RunnerOptions{
		FinishedQueue: "pipeline:finished",
		MaxDeliveries: 3,
		Logger:        logging.Discard(),
	})

	_, err := e.Start(ctx, "asset-a1", asset.PipelineInput{AssetID: "a1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msgs, err := runs.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "delivery %d", i+1)
		queue.Settle(ctx, runs, msgs, runner.HandleBatch(ctx, msgs), logging.Discard())
	}

	dead, err := client.LLen(ctx, runs.DeadLetter()).Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
	queued, err := runs.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.EqualValues(t, 3, objects.statHits.Load())

	status, err := e.RunStatus(ctx, "asset-a1")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, status)
	sig := receiveSignal(t, finished)
	assert.Equal(t, asset.OutcomeFailed, sig.Outcome)
	assert.Contains(t, sig.Error, "connection reset")
}

func TestRunnerPermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	e, runs, finished := newTestExecutor(t)
	objects := &fakeObjects{info: ObjectInfo{ContentType: "application/pdf"}}
	runner := NewRunner(e.redis, DefaultPipeline(objects, "image/"), RunnerOptions{
		FinishedQueue: "pipeline:finished",
		MaxRetries:    5,
		Logger:        logging.Discard(),
	})

	_, err := e.Start(ctx, "asset-a1", asset.PipelineInput{AssetID: "a1"})
	require.NoError(t, err)
	msgs, err := runs.Receive(ctx, 1)
	require.NoError(t, err)

	report := runner.HandleBatch(ctx, msgs)
	assert.Empty(t, report.Failures)
	sig := receiveSignal(t, finished)
	assert.Equal(t, asset.OutcomeFailed, sig.Outcome)
	assert.Contains(t, sig.Error, "content type")
}

func TestRunnerDropsMalformedRun(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	runner := NewRunner(e.redis, Pipeline{}, RunnerOptions{FinishedQueue: "f", Logger: logging.Discard()})
	report := runner.HandleBatch(context.Background(), []queue.Message{{ID: "m", Body: []byte("not json")}})
	require.Len(t, report.Failures, 1)
	assert.True(t, report.Failures[0].Permanent)
}
