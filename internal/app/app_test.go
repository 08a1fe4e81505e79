package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-asset-pipeline/internal/config"
	"github.com/imalyk/go-asset-pipeline/internal/executor"
	"github.com/imalyk/go-asset-pipeline/internal/logging"
	"github.com/imalyk/go-asset-pipeline/internal/store"
	"github.com/imalyk/go-asset-pipeline/internal/testsupport"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type memoryObjects struct {
	contentType string
	body        string
}

func (m memoryObjects) Stat(context.Context, string, string) (executor.ObjectInfo, error) {
	return executor.ObjectInfo{Size: int64(len(m.body)), ContentType: m.contentType, ETag: "etag"}, nil
}

func (m memoryObjects) Open(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(m.body)), nil
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	server, _ := testsupport.NewRedis(t)
	t.Setenv("REDIS_ADDR", server.Addr())
	t.Setenv("QUEUE_POLL_TIMEOUT", "1s")
	t.Setenv("RELAY_INITIAL_BACKOFF", "1ms")

	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewFailsWithoutRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	_, err = New(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, "redis ping")
}

func TestRunRejectsUnknownRole(t *testing.T) {
	a := newTestApp(t)
	err := a.Run(context.Background(), RoleIngest, "transcoder")
	assert.ErrorContains(t, err, `unknown role "transcoder"`)
}

func TestPipelineEndToEnd(t *testing.T) {
	a := newTestApp(t)
	a.objects = memoryObjects{contentType: "image/jpeg", body: "jpeg bytes"}

	var delivered atomic.Value
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		delivered.Store(string(body))
		hits.Add(1)
	}))
	defer hook.Close()
	require.NoError(t, a.redis.Set(context.Background(), a.cfg.Relay.WebhookParameter, hook.URL, 0).Err())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, RoleIngest, RoleExecutor, RoleAdvancer, RoleRelay) }()

	req := httptest.NewRequest(http.MethodPost, "/notifications",
		strings.NewReader(`{"bucket":"b","object_key":"uploads/1.jpg","recipe_pk":"RECIPE#r1","recipe_sk":"CREATED#0"}`))
	req.Header.Set("Authorization", a.cfg.HTTP.SharedSecret)
	rec := httptest.NewRecorder()
	a.Server().Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		v, _ := delivered.Load().(string)
		return v != ""
	}, 10*time.Second, 20*time.Millisecond)
	assert.JSONEq(t, `{"text":":seedling: Asset uploads/1.jpg processed with status PROCESSED"}`, delivered.Load().(string))

	assets := store.NewAssetStore(a.redis)
	require.Eventually(t, func() bool {
		got, err := assets.Get(context.Background(), "uploads/1.jpg")
		return err == nil && got.EventPublished
	}, 5*time.Second, 20*time.Millisecond)
	got, err := assets.Get(context.Background(), "uploads/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusProcessed, got.Status)
	assert.Equal(t, "b", got.Bucket)
	assert.False(t, got.ProcessedAt.IsZero())
	assert.Equal(t, "execution:asset-pipeline:"+executor.RunName("uploads/1.jpg"), got.ExecutionHandle)

	recipe, err := store.NewRecipeStore(a.redis).Get(context.Background(), asset.RecipeKey{PK: "RECIPE#r1", SK: "CREATED#0"})
	require.NoError(t, err)
	assert.Equal(t, "uploads/1.jpg", recipe.LastAssetID)

	// A redelivered finish signal must not produce a second notification.
	_, err = a.queue(a.cfg.Queues.Finished).Push(context.Background(), []byte(`{"asset_id":"uploads/1.jpg"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := a.queue(a.cfg.Queues.Finished).Len(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, hits.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("roles did not stop")
	}
}
