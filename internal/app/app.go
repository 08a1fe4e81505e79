// Package app wires the pipeline components from configuration and runs the
// worker roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"

	"github.com/imalyk/go-asset-pipeline/internal/admission"
	"github.com/imalyk/go-asset-pipeline/internal/advancer"
	"github.com/imalyk/go-asset-pipeline/internal/bridge"
	"github.com/imalyk/go-asset-pipeline/internal/config"
	"github.com/imalyk/go-asset-pipeline/internal/events"
	"github.com/imalyk/go-asset-pipeline/internal/executor"
	"github.com/imalyk/go-asset-pipeline/internal/httpapi"
	"github.com/imalyk/go-asset-pipeline/internal/ingest"
	"github.com/imalyk/go-asset-pipeline/internal/queue"
	"github.com/imalyk/go-asset-pipeline/internal/relay"
	"github.com/imalyk/go-asset-pipeline/internal/store"
)

const (
	RoleIngest   = "ingest"
	RoleExecutor = "executor"
	RoleAdvancer = "advancer"
	RoleRelay    = "relay"
	RoleBridge   = "bridge"
)

type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	redis   *redis.Client
	minio   *minio.Client
	objects executor.ObjectStore

	mu       sync.Mutex
	temporal client.Client
}

// New connects to Redis and prepares the object storage client.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	minioClient, err := minio.New(cfg.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		Secure: cfg.Minio.UseSSL,
		Region: cfg.Minio.Region,
	})
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		redis:   redisClient,
		minio:   minioClient,
		objects: executor.MinioObjects{Client: minioClient},
	}, nil
}

func (a *App) Close() error {
	a.mu.Lock()
	if a.temporal != nil {
		a.temporal.Close()
	}
	a.mu.Unlock()
	return a.redis.Close()
}

func (a *App) component(name string) *slog.Logger {
	return a.logger.With("component", name)
}

func (a *App) queue(key string) *queue.RedisQueue {
	return queue.NewRedisQueue(a.redis, key, queue.RedisQueueOptions{
		PollTimeout:   a.cfg.Queues.PollTimeout,
		MaxDeliveries: a.cfg.Queues.MaxDeliveries,
	})
}

func (a *App) temporalClient() (client.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.temporal != nil {
		return a.temporal, nil
	}
	c, err := client.Dial(client.Options{
		HostPort:  a.cfg.Temporal.Address,
		Namespace: a.cfg.Temporal.Namespace,
		Logger:    temporallog.NewStructuredLogger(a.component("temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial (address=%s namespace=%s): %w", a.cfg.Temporal.Address, a.cfg.Temporal.Namespace, err)
	}
	a.temporal = c
	return c, nil
}

func (a *App) Executor() (executor.Executor, error) {
	if a.cfg.Executor.Backend == "temporal" {
		c, err := a.temporalClient()
		if err != nil {
			return nil, err
		}
		return executor.NewTemporalExecutor(c, a.cfg.Temporal.TaskQueue, a.cfg.Temporal.Workflow), nil
	}
	return executor.NewRedisExecutor(a.redis, executor.RedisExecutorOptions{
		StateMachine: a.cfg.Executor.StateMachine,
		RunQueue:     a.cfg.Executor.RunQueue,
		Retention:    a.cfg.Executor.RunRetention,
	}), nil
}

func (a *App) Coordinator() (*ingest.Coordinator, error) {
	exec, err := a.Executor()
	if err != nil {
		return nil, err
	}
	return ingest.NewCoordinator(store.NewAssetStore(a.redis), store.NewRecipeStore(a.redis), exec, a.component(RoleIngest)), nil
}

// IngestSource is the notification transport selected by queues.source.
func (a *App) IngestSource(ctx context.Context) (queue.Source, error) {
	if a.cfg.Queues.Source == "sqs" {
		opts := []func(*awsconfig.LoadOptions) error{}
		if a.cfg.SQS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(a.cfg.SQS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), a.cfg.SQS.QueueURL, a.cfg.SQS.WaitTimeSeconds, a.cfg.SQS.VisibilityTimeout), nil
	}
	return a.recovered(ctx, a.cfg.Queues.Notifications)
}

// recovered returns a Redis queue after moving records parked by a previous
// process back onto it.
func (a *App) recovered(ctx context.Context, key string) (*queue.RedisQueue, error) {
	q := a.queue(key)
	moved, err := q.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if moved > 0 {
		a.logger.Info("recovered in-flight records", "queue", key, "count", moved)
	}
	return q, nil
}

func (a *App) consume(ctx context.Context, role string, src queue.Source, h queue.Handler) error {
	logger := a.component(role)
	logger.Info("consumer started", "batch_size", a.cfg.Queues.BatchSize)
	return queue.Consume(ctx, src, h, queue.ConsumeOptions{BatchSize: a.cfg.Queues.BatchSize, Logger: logger})
}

func (a *App) RunIngest(ctx context.Context) error {
	coordinator, err := a.Coordinator()
	if err != nil {
		return err
	}
	src, err := a.IngestSource(ctx)
	if err != nil {
		return err
	}
	return a.consume(ctx, RoleIngest, src, coordinator)
}

func (a *App) pipeline() executor.Pipeline {
	return executor.DefaultPipeline(a.objects, a.cfg.Admission.ContentTypePrefix)
}

func (a *App) RunExecutor(ctx context.Context) error {
	if a.cfg.Executor.Backend == "temporal" {
		c, err := a.temporalClient()
		if err != nil {
			return err
		}
		w := executor.NewTemporalWorker(c, a.cfg.Temporal.TaskQueue, a.cfg.Temporal.Workflow, &executor.Activities{
			Pipeline: a.pipeline(),
			Finished: a.queue(a.cfg.Queues.Finished),
		})
		if err := w.Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		a.component(RoleExecutor).Info("temporal worker started", "task_queue", a.cfg.Temporal.TaskQueue)
		<-ctx.Done()
		w.Stop()
		return ctx.Err()
	}

	runs, err := a.recovered(ctx, a.cfg.Executor.RunQueue)
	if err != nil {
		return err
	}
	runner := executor.NewRunner(a.redis, a.pipeline(), executor.RunnerOptions{
		FinishedQueue: a.cfg.Queues.Finished,
		MaxRetries:    a.cfg.Executor.MaxRetries,
		MaxDeliveries: a.cfg.Queues.MaxDeliveries,
		Logger:        a.component(RoleExecutor),
	})
	return a.consume(ctx, RoleExecutor, runs, runner)
}

func (a *App) Advancer() *advancer.Advancer {
	publisher := events.NewPublisher(a.queue(a.cfg.Queues.Events), a.redis, a.cfg.Queues.EventsChannel, a.component("events"))
	return advancer.New(store.NewAssetStore(a.redis), publisher, a.component(RoleAdvancer))
}

func (a *App) RunAdvancer(ctx context.Context) error {
	finished, err := a.recovered(ctx, a.cfg.Queues.Finished)
	if err != nil {
		return err
	}
	return a.consume(ctx, RoleAdvancer, finished, a.Advancer())
}

func (a *App) Relay() *relay.Relay {
	var target relay.FirstOf
	if a.cfg.Relay.WebhookParameter != "" {
		target = append(target, relay.RedisParameter{Client: a.redis, Key: a.cfg.Relay.WebhookParameter})
	}
	if a.cfg.Relay.WebhookEnv != "" {
		target = append(target, relay.EnvTarget(a.cfg.Relay.WebhookEnv))
	}
	return relay.New(target, &http.Client{}, a.queue(a.cfg.Relay.DeadLetter), relay.Options{
		MaxAttempts:    a.cfg.Relay.MaxAttempts,
		InitialBackoff: a.cfg.Relay.InitialBackoff,
		MaxBackoff:     a.cfg.Relay.MaxBackoff,
		RequestTimeout: a.cfg.Relay.RequestTimeout,
		Logger:         a.component(RoleRelay),
	})
}

func (a *App) RunRelay(ctx context.Context) error {
	stream, err := a.recovered(ctx, a.cfg.Queues.Events)
	if err != nil {
		return err
	}
	return a.consume(ctx, RoleRelay, stream, a.Relay())
}

func (a *App) RunBridge(ctx context.Context) error {
	b := bridge.New(a.minio, a.cfg.Minio.UploadsBucket, a.cfg.Admission.KeyPrefix, a.queue(a.cfg.Queues.Notifications), a.component(RoleBridge))
	return b.Run(ctx)
}

// Server builds the HTTP API.
func (a *App) Server() *httpapi.Server {
	return &httpapi.Server{
		Admitter: admission.New(a.minio, admission.Options{
			Bucket:            a.cfg.Minio.UploadsBucket,
			Expiry:            a.cfg.Admission.Expiry,
			KeyPrefix:         a.cfg.Admission.KeyPrefix,
			KeyExtension:      a.cfg.Admission.KeyExtension,
			ContentTypePrefix: a.cfg.Admission.ContentTypePrefix,
			VerifyBucket:      a.cfg.Admission.VerifyBucket,
		}),
		Notifications: a.queue(a.cfg.Queues.Notifications),
		Assets:        store.NewAssetStore(a.redis),
		Recipes:       store.NewRecipeStore(a.redis),
		SharedSecret:  a.cfg.HTTP.SharedSecret,
		ProjectName:   a.cfg.HTTP.ProjectName,
		Logger:        a.component("http"),
	}
}

func (a *App) runners() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		RoleIngest:   a.RunIngest,
		RoleExecutor: a.RunExecutor,
		RoleAdvancer: a.RunAdvancer,
		RoleRelay:    a.RunRelay,
		RoleBridge:   a.RunBridge,
	}
}

func Roles() []string {
	return []string{RoleIngest, RoleExecutor, RoleAdvancer, RoleRelay, RoleBridge}
}

// Run runs the named roles until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context, roles ...string) error {
	runners := a.runners()
	for _, role := range roles {
		if _, ok := runners[role]; !ok {
			known := Roles()
			sort.Strings(known)
			return fmt.Errorf("unknown role %q (known: %s)", role, strings.Join(known, ", "))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		run := runners[role]
		role := role
		g.Go(func() error {
			err := run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", role, err)
			}
			return nil
		})
	}
	return g.Wait()
}
