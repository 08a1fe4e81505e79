// Package config loads pipeline settings from an optional YAML file and the
// environment. Environment variables always win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	LogLevel  string          `koanf:"log_level"`
	Redis     RedisConfig     `koanf:"redis"`
	Minio     MinioConfig     `koanf:"minio"`
	HTTP      HTTPConfig      `koanf:"http"`
	Queues    QueueConfig     `koanf:"queues"`
	Admission AdmissionConfig `koanf:"admission"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	SQS       SQSConfig       `koanf:"sqs"`
	Relay     RelayConfig     `koanf:"relay"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type MinioConfig struct {
	Endpoint      string `koanf:"endpoint"`
	AccessKey     string `koanf:"access_key"`
	SecretKey     string `koanf:"secret_key"`
	UseSSL        bool   `koanf:"use_ssl"`
	Region        string `koanf:"region"`
	UploadsBucket string `koanf:"uploads_bucket"`
}

type HTTPConfig struct {
	Addr         string `koanf:"addr"`
	SharedSecret string `koanf:"shared_secret"`
	ProjectName  string `koanf:"project_name"`
}

type QueueConfig struct {
	Notifications string        `koanf:"notifications"`
	Finished      string        `koanf:"finished"`
	Events        string        `koanf:"events"`
	EventsChannel string        `koanf:"events_channel"`
	PollTimeout   time.Duration `koanf:"poll_timeout"`
	BatchSize     int           `koanf:"batch_size"`
	MaxDeliveries int           `koanf:"max_deliveries"`
	// Source selects the ingest transport: "redis" or "sqs".
	Source string `koanf:"source"`
}

type AdmissionConfig struct {
	Expiry            time.Duration `koanf:"expiry"`
	KeyPrefix         string        `koanf:"key_prefix"`
	KeyExtension      string        `koanf:"key_extension"`
	ContentTypePrefix string        `koanf:"content_type_prefix"`
	VerifyBucket      bool          `koanf:"verify_bucket"`
}

type ExecutorConfig struct {
	// Backend selects the executor: "redis" or "temporal".
	Backend      string        `koanf:"backend"`
	StateMachine string        `koanf:"state_machine"`
	RunQueue     string        `koanf:"run_queue"`
	RunRetention time.Duration `koanf:"run_retention"`
	MaxRetries   int           `koanf:"max_retries"`
}

type TemporalConfig struct {
	Address   string `koanf:"address"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
	Workflow  string `koanf:"workflow"`
}

type SQSConfig struct {
	QueueURL          string `koanf:"queue_url"`
	Region            string `koanf:"region"`
	WaitTimeSeconds   int32  `koanf:"wait_time_seconds"`
	VisibilityTimeout int32  `koanf:"visibility_timeout"`
}

type RelayConfig struct {
	WebhookParameter string        `koanf:"webhook_parameter"`
	WebhookEnv       string        `koanf:"webhook_env"`
	DeadLetter       string        `koanf:"dead_letter"`
	MaxAttempts      uint          `koanf:"max_attempts"`
	InitialBackoff   time.Duration `koanf:"initial_backoff"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
}

// envKeys maps environment variables onto config paths. The unprefixed names
// match the ones the worker has always read.
var envKeys = map[string]string{
	"LOG_LEVEL":               "log_level",
	"REDIS_ADDR":              "redis.addr",
	"REDIS_PASSWORD":          "redis.password",
	"REDIS_DB":                "redis.db",
	"MINIO_ENDPOINT":          "minio.endpoint",
	"MINIO_ACCESS_KEY":        "minio.access_key",
	"MINIO_SECRET_KEY":        "minio.secret_key",
	"MINIO_USE_SSL":           "minio.use_ssl",
	"MINIO_REGION":            "minio.region",
	"UPLOADS_BUCKET":          "minio.uploads_bucket",
	"HTTP_ADDR":               "http.addr",
	"SHARED_SECRET":           "http.shared_secret",
	"PROJECT_NAME":            "http.project_name",
	"REDIS_QUEUE_KEY":         "queues.notifications",
	"FINISHED_QUEUE_KEY":      "queues.finished",
	"EVENTS_QUEUE_KEY":        "queues.events",
	"EVENTS_CHANNEL":          "queues.events_channel",
	"QUEUE_POLL_TIMEOUT":      "queues.poll_timeout",
	"QUEUE_BATCH_SIZE":        "queues.batch_size",
	"QUEUE_MAX_DELIVERIES":    "queues.max_deliveries",
	"INGEST_SOURCE":           "queues.source",
	"UPLOAD_EXPIRY":           "admission.expiry",
	"UPLOAD_KEY_PREFIX":       "admission.key_prefix",
	"UPLOAD_KEY_EXTENSION":    "admission.key_extension",
	"UPLOAD_CONTENT_TYPE":     "admission.content_type_prefix",
	"UPLOAD_VERIFY_BUCKET":    "admission.verify_bucket",
	"EXECUTOR_BACKEND":        "executor.backend",
	"STATE_MACHINE_NAME":      "executor.state_machine",
	"RUN_QUEUE_KEY":           "executor.run_queue",
	"RUN_RETENTION":           "executor.run_retention",
	"WORKER_MAX_RETRIES":      "executor.max_retries",
	"TEMPORAL_ADDRESS":        "temporal.address",
	"TEMPORAL_NAMESPACE":      "temporal.namespace",
	"TEMPORAL_TASK_QUEUE":     "temporal.task_queue",
	"TEMPORAL_WORKFLOW":       "temporal.workflow",
	"SQS_QUEUE_URL":           "sqs.queue_url",
	"SQS_REGION":              "sqs.region",
	"SQS_WAIT_TIME_SECONDS":   "sqs.wait_time_seconds",
	"SQS_VISIBILITY_TIMEOUT":  "sqs.visibility_timeout",
	"SLACK_WEBHOOK_PARAMETER": "relay.webhook_parameter",
	"SLACK_WEBHOOK_ENV":       "relay.webhook_env",
	"RELAY_DEAD_LETTER_KEY":   "relay.dead_letter",
	"RELAY_MAX_ATTEMPTS":      "relay.max_attempts",
	"RELAY_INITIAL_BACKOFF":   "relay.initial_backoff",
	"RELAY_MAX_BACKOFF":       "relay.max_backoff",
	"RELAY_REQUEST_TIMEOUT":   "relay.request_timeout",
}

var defaults = map[string]any{
	"log_level":                     "info",
	"redis.addr":                    "localhost:6379",
	"redis.db":                      0,
	"minio.endpoint":                "localhost:9000",
	"minio.access_key":              "minio",
	"minio.secret_key":              "minio123",
	"minio.uploads_bucket":          "uploads",
	"http.addr":                     ":8080",
	"http.shared_secret":            "changeme",
	"http.project_name":             "demo",
	"queues.notifications":          "asset:notifications",
	"queues.finished":               "pipeline:finished",
	"queues.events":                 "asset:events",
	"queues.poll_timeout":           5 * time.Second,
	"queues.batch_size":             10,
	"queues.max_deliveries":         5,
	"queues.source":                 "redis",
	"admission.expiry":              300 * time.Second,
	"admission.key_prefix":          "uploads/",
	"admission.key_extension":       ".jpg",
	"admission.content_type_prefix": "image/",
	"executor.backend":              "redis",
	"executor.state_machine":        "asset-pipeline",
	"executor.run_queue":            "pipeline:runs",
	"executor.run_retention":        24 * time.Hour,
	"executor.max_retries":          3,
	"temporal.namespace":            "default",
	"temporal.task_queue":           "asset-pipeline",
	"temporal.workflow":             "AssetPipeline",
	"sqs.wait_time_seconds":         20,
	"sqs.visibility_timeout":        60,
	"relay.webhook_parameter":       "secret:slack-webhook",
	"relay.dead_letter":             "asset:events:dlq",
	"relay.max_attempts":            5,
	"relay.initial_backoff":         500 * time.Millisecond,
	"relay.max_backoff":             10 * time.Second,
	"relay.request_timeout":         10 * time.Second,
}

// Load reads the file named by PIPELINE_CONFIG (if any), then the environment,
// then fills defaults for anything still unset.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("PIPELINE_CONFIG"))
}

func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Executor.Backend {
	case "redis", "temporal":
	default:
		return fmt.Errorf("executor.backend must be redis or temporal, got %q", c.Executor.Backend)
	}
	switch c.Queues.Source {
	case "redis":
	case "sqs":
		if strings.TrimSpace(c.SQS.QueueURL) == "" {
			return errors.New("sqs.queue_url is required when queues.source is sqs")
		}
	default:
		return fmt.Errorf("queues.source must be redis or sqs, got %q", c.Queues.Source)
	}
	if c.Queues.BatchSize <= 0 {
		return errors.New("queues.batch_size must be positive")
	}
	if c.Queues.PollTimeout < time.Second {
		return fmt.Errorf("queues.poll_timeout must be at least 1s, got %s", c.Queues.PollTimeout)
	}
	if c.Queues.MaxDeliveries < 0 || c.Executor.MaxRetries < 0 {
		return errors.New("queues.max_deliveries and executor.max_retries must not be negative")
	}
	if c.Admission.Expiry <= 0 {
		return errors.New("admission.expiry must be positive")
	}
	return nil
}
