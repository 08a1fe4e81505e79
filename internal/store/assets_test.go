package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-asset-pipeline/internal/testsupport"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

func newAsset(id string) asset.Asset {
	return asset.Asset{
		AssetID:    id,
		Bucket:     "b",
		ObjectKey:  "uploads/1.jpg",
		RecipePK:   "RECIPE#r1",
		RecipeSK:   "CREATED#0",
		Status:     asset.StatusReceived,
		IngestedAt: time.Unix(1700000000, 0),
	}
}

func TestCreateIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, client := testsupport.NewRedis(t)
	s := NewAssetStore(client)

	created, err := s.CreateIfAbsent(ctx, newAsset("a1"))
	require.NoError(t, err)
	assert.True(t, created)

	second := newAsset("a1")
	second.Bucket = "other"
	second.IngestedAt = time.Unix(1800000000, 0)
	created, err = s.CreateIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Bucket, "existing record must not be overwritten")
	assert.Equal(t, int64(1700000000), got.IngestedAt.Unix())
	assert.Equal(t, asset.StatusReceived, got.Status)
	assert.True(t, got.ProcessedAt.IsZero())
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	_, client := testsupport.NewRedis(t)
	s := NewAssetStore(client)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.CreateIfAbsent(ctx, newAsset("race"))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestGetMissing(t *testing.T) {
	_, client := testsupport.NewRedis(t)
	_, err := NewAssetStore(client).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, asset.ErrNotFound)
}

func TestAdvanceCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	_, client := testsupport.NewRedis(t)
	s := NewAssetStore(client)
	_, err := s.CreateIfAbsent(ctx, newAsset("a1"))
	require.NoError(t, err)

	processedAt := time.Unix(1700000500, 0)
	require.NoError(t, s.Advance(ctx, "a1", asset.StatusReceived, asset.StatusProcessed, processedAt))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, asset.StatusProcessed, got.Status)
	assert.Equal(t, processedAt.Unix(), got.ProcessedAt.Unix())
	assert.False(t, got.EventPublished)

	err = s.Advance(ctx, "a1", asset.StatusReceived, asset.StatusProcessed, time.Unix(1700000900, 0))
	assert.ErrorIs(t, err, asset.ErrConditionFailed)

	got, err = s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, processedAt.Unix(), got.ProcessedAt.Unix(), "processed_at is immutable")
}

func TestAdvanceRejectsBackwardTransition(t *testing.T) {
	_, client := testsupport.NewRedis(t)
	err := NewAssetStore(client).Advance(context.Background(), "a1", asset.StatusProcessed, asset.StatusReceived, time.Now())
	assert.True(t, asset.IsPermanent(err))
}

func TestAdvanceMissing(t *testing.T) {
	_, client := testsupport.NewRedis(t)
	err := NewAssetStore(client).Advance(context.Background(), "nope", asset.StatusReceived, asset.StatusFailed, time.Now())
	assert.ErrorIs(t, err, asset.ErrNotFound)
}

func TestSetExecutionOnce(t *testing.T) {
	ctx := context.Background()
	_, client := testsupport.NewRedis(t)
	s := NewAssetStore(client)
	_, err := s.CreateIfAbsent(ctx, newAsset("a1"))
	require.NoError(t, err)

	require.NoError(t, s.SetExecution(ctx, "a1", "first"))
	require.NoError(t, s.SetExecution(ctx, "a1", "second"))
	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.ExecutionHandle)

	assert.ErrorIs(t, s.SetExecution(ctx, "missing", "x"), asset.ErrNotFound)
}

func TestMarkEventPublished(t *testing.T) {
	ctx := context.Background()
	_, client := testsupport.NewRedis(t)
	s := NewAssetStore(client)
	_, err := s.CreateIfAbsent(ctx, newAsset("a1"))
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, "a1", asset.StatusReceived, asset.StatusProcessed, time.Now()))
	require.NoError(t, s.MarkEventPublished(ctx, "a1"))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.EventPublished)

	assert.ErrorIs(t, s.MarkEventPublished(ctx, "missing"), asset.ErrNotFound)
	exists, err := client.Exists(ctx, assetKey("missing")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestStoreErrorsAreTransient(t *testing.T) {
	server, client := testsupport.NewRedis(t)
	server.Close()
	_, err := NewAssetStore(client).CreateIfAbsent(context.Background(), newAsset("a1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asset.ErrTransientDependency))
}

func TestClaimEventIsExclusive(t *testing.T) {
	ctx := context.Background()
	server, client := testsupport.NewRedis(t)
	s := NewAssetStore(client)

	ok, err := s.ClaimEvent(ctx, "a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimEvent(ctx, "a1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	server.FastForward(2 * time.Minute)
	ok, err = s.ClaimEvent(ctx, "a1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease must expire")
}
