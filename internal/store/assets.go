// Package store keeps asset and recipe records in Redis hashes. Every write is
// conditional so that redelivered notifications and signals are safe to replay.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

const (
	fieldAssetID        = "asset_id"
	fieldBucket         = "bucket"
	fieldObjectKey      = "object_key"
	fieldRecipePK       = "recipe_pk"
	fieldRecipeSK       = "recipe_sk"
	fieldStatus         = "status"
	fieldIngestedAt     = "ingested_at"
	fieldProcessedAt    = "processed_at"
	fieldExecution      = "execution_handle"
	fieldEventPublished = "event_published"
)

var createIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// ARGV: expected status, next status, processed_at
var advanceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'processed_at', ARGV[3], 'event_published', '0')
return 1
`)

// ARGV: field, value. Sets the field only when the record exists and the field is unset.
var setOnceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
`)

// ARGV: field, value. Overwrites the field only when the record exists.
var setExistingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

type AssetStore struct {
	redis *redis.Client
}

func NewAssetStore(client *redis.Client) *AssetStore {
	return &AssetStore{redis: client}
}

func assetKey(id string) string {
	return fmt.Sprintf("asset:%s", id)
}

// CreateIfAbsent writes a new asset record. It reports false without error when
// a record with the same asset_id already exists.
func (s *AssetStore) CreateIfAbsent(ctx context.Context, a asset.Asset) (bool, error) {
	if a.AssetID == "" {
		return false, fmt.Errorf("%w: asset_id is required", asset.ErrPermanentInput)
	}
	if a.Status == "" {
		a.Status = asset.StatusReceived
	}
	if a.IngestedAt.IsZero() {
		a.IngestedAt = time.Now()
	}

	args := []interface{}{
		fieldAssetID, a.AssetID,
		fieldBucket, a.Bucket,
		fieldObjectKey, a.ObjectKey,
		fieldRecipePK, a.RecipePK,
		fieldRecipeSK, a.RecipeSK,
		fieldStatus, string(a.Status),
		fieldIngestedAt, a.IngestedAt.Unix(),
	}
	created, err := createIfAbsentScript.Run(ctx, s.redis, []string{assetKey(a.AssetID)}, args...).Int()
	if err != nil {
		return false, asset.Transient("create asset", err)
	}
	return created == 1, nil
}

func (s *AssetStore) Get(ctx context.Context, id string) (asset.Asset, error) {
	fields, err := s.redis.HGetAll(ctx, assetKey(id)).Result()
	if err != nil {
		return asset.Asset{}, asset.Transient("get asset", err)
	}
	if len(fields) == 0 {
		return asset.Asset{}, fmt.Errorf("asset %s: %w", id, asset.ErrNotFound)
	}
	return decodeAsset(fields), nil
}

// Advance moves the asset from one status to the next if and only if the stored
// status still equals from. A mismatch yields asset.ErrConditionFailed.
func (s *AssetStore) Advance(ctx context.Context, id string, from, to asset.Status, at time.Time) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", asset.ErrPermanentInput, from, to)
	}
	res, err := advanceScript.Run(ctx, s.redis, []string{assetKey(id)}, string(from), string(to), at.Unix()).Int()
	if err != nil {
		return asset.Transient("advance asset", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("asset %s: %w", id, asset.ErrNotFound)
	case 0:
		return fmt.Errorf("asset %s not in %s: %w", id, from, asset.ErrConditionFailed)
	}
	return nil
}

// SetExecution records the pipeline execution handle unless one is already recorded.
func (s *AssetStore) SetExecution(ctx context.Context, id, handle string) error {
	res, err := setOnceScript.Run(ctx, s.redis, []string{assetKey(id)}, fieldExecution, handle).Int()
	if err != nil {
		return asset.Transient("set execution handle", err)
	}
	if res == -1 {
		return fmt.Errorf("asset %s: %w", id, asset.ErrNotFound)
	}
	return nil
}

// MarkEventPublished acknowledges that the completion event for the current
// terminal status has been handed to the event publisher.
func (s *AssetStore) MarkEventPublished(ctx context.Context, id string) error {
	res, err := setExistingScript.Run(ctx, s.redis, []string{assetKey(id)}, fieldEventPublished, "1").Int()
	if err != nil {
		return asset.Transient("mark event published", err)
	}
	if res == -1 {
		return fmt.Errorf("asset %s: %w", id, asset.ErrNotFound)
	}
	return nil
}

func decodeAsset(fields map[string]string) asset.Asset {
	a := asset.Asset{
		AssetID:         fields[fieldAssetID],
		Bucket:          fields[fieldBucket],
		ObjectKey:       fields[fieldObjectKey],
		RecipePK:        fields[fieldRecipePK],
		RecipeSK:        fields[fieldRecipeSK],
		Status:          asset.Status(fields[fieldStatus]),
		ExecutionHandle: fields[fieldExecution],
		EventPublished:  fields[fieldEventPublished] == "1",
	}
	a.IngestedAt = unixField(fields[fieldIngestedAt])
	a.ProcessedAt = unixField(fields[fieldProcessedAt])
	return a
}

func unixField(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// ClaimEvent takes a short lease on publishing the asset's completion event.
// Only the holder may publish; the lease expires on its own if the holder dies.
func (s *AssetStore) ClaimEvent(ctx context.Context, id string, lease time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, assetKey(id)+":publishing", "1", lease).Result()
	if err != nil {
		return false, asset.Transient("claim event", err)
	}
	return ok, nil
}
