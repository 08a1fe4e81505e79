package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "asset:notifications", cfg.Queues.Notifications)
	assert.Equal(t, 300*time.Second, cfg.Admission.Expiry)
	assert.Equal(t, "image/", cfg.Admission.ContentTypePrefix)
	assert.Equal(t, "redis", cfg.Executor.Backend)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, uint(5), cfg.Relay.MaxAttempts)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("QUEUE_POLL_TIMEOUT", "2s")
	t.Setenv("WORKER_MAX_RETRIES", "7")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.Minio.UseSSL)
	assert.Equal(t, 2*time.Second, cfg.Queues.PollTimeout)
	assert.Equal(t, 7, cfg.Executor.MaxRetries)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
minio:
  uploads_bucket: recipes-uploads
executor:
  backend: temporal
redis:
  addr: from-file:6379
`), 0o600))
	t.Setenv("REDIS_ADDR", "from-env:6379")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "recipes-uploads", cfg.Minio.UploadsBucket)
	assert.Equal(t, "temporal", cfg.Executor.Backend)
	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("EXECUTOR_BACKEND", "stepfunctions")
	_, err := LoadFile("")
	assert.ErrorContains(t, err, "executor.backend")
}

func TestValidateRequiresSQSQueueURL(t *testing.T) {
	t.Setenv("INGEST_SOURCE", "sqs")
	_, err := LoadFile("")
	assert.ErrorContains(t, err, "sqs.queue_url")
}

func TestValidateRejectsSubSecondPollTimeout(t *testing.T) {
	t.Setenv("QUEUE_POLL_TIMEOUT", "50ms")
	_, err := LoadFile("")
	assert.ErrorContains(t, err, "queues.poll_timeout")
}

func TestValidateRejectsNegativeRetryBudgets(t *testing.T) {
	t.Setenv("WORKER_MAX_RETRIES", "-1")
	_, err := LoadFile("")
	assert.ErrorContains(t, err, "executor.max_retries")
}
