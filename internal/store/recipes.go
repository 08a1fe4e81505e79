package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

const recipeIndexKey = "recipes"

// KEYS: recipe hash, recipe index. ARGV: asset id, ingest time (unix ms), pk,
// sk, index score. Older links never replace newer ones; a recipe first seen
// through a link joins the index so List shows it.
var linkAssetScript = redis.NewScript(`
local previous = redis.call('HGET', KEYS[1], 'last_asset_at')
if previous and tonumber(previous) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'pk', ARGV[3], 'sk', ARGV[4], 'last_asset_id', ARGV[1], 'last_asset_at', ARGV[2])
redis.call('ZADD', KEYS[2], 'NX', ARGV[5], KEYS[1])
return 1
`)

type RecipeStore struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRecipeStore(client *redis.Client) *RecipeStore {
	return &RecipeStore{redis: client, now: time.Now}
}

func recipeKey(k asset.RecipeKey) string {
	return fmt.Sprintf("recipe:%s|%s", k.PK, k.SK)
}

// Create stores a new draft recipe and returns it with its generated key.
func (s *RecipeStore) Create(ctx context.Context, r asset.Recipe) (asset.Recipe, error) {
	now := s.now()
	id := uuid.New().String()
	r.PK = "RECIPE#" + id
	r.SK = fmt.Sprintf("CREATED#%d", now.Unix())
	r.CreatedAt = now.Unix()
	if strings.TrimSpace(r.Name) == "" {
		r.Name = "unknown"
	}
	if strings.TrimSpace(r.Author) == "" {
		r.Author = "anonymous"
	}
	if r.Status == "" {
		r.Status = "draft"
	}

	ingredients, err := json.Marshal(nonNil(r.Ingredients))
	if err != nil {
		return asset.Recipe{}, fmt.Errorf("encode ingredients: %w", err)
	}
	steps, err := json.Marshal(nonNil(r.Steps))
	if err != nil {
		return asset.Recipe{}, fmt.Errorf("encode steps: %w", err)
	}

	key := recipeKey(r.Key())
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"pk":          r.PK,
			"sk":          r.SK,
			"name":        r.Name,
			"author":      r.Author,
			"status":      r.Status,
			"created_at":  r.CreatedAt,
			"ingredients": string(ingredients),
			"steps":       string(steps),
		})
		pipe.ZAdd(ctx, recipeIndexKey, redis.Z{Score: float64(r.CreatedAt), Member: key})
		return nil
	})
	if err != nil {
		return asset.Recipe{}, asset.Transient("create recipe", err)
	}
	return r, nil
}

// List returns up to limit recipes, newest first.
func (s *RecipeStore) List(ctx context.Context, limit int64) ([]asset.Recipe, error) {
	if limit <= 0 {
		limit = 25
	}
	keys, err := s.redis.ZRevRange(ctx, recipeIndexKey, 0, limit-1).Result()
	if err != nil {
		return nil, asset.Transient("list recipes", err)
	}
	if len(keys) == 0 {
		return []asset.Recipe{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, asset.Transient("load recipes", err)
	}

	recipes := make([]asset.Recipe, 0, len(keys))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		recipes = append(recipes, decodeRecipe(fields))
	}
	return recipes, nil
}

func (s *RecipeStore) Get(ctx context.Context, key asset.RecipeKey) (asset.Recipe, error) {
	fields, err := s.redis.HGetAll(ctx, recipeKey(key)).Result()
	if err != nil {
		return asset.Recipe{}, asset.Transient("get recipe", err)
	}
	if len(fields) == 0 {
		return asset.Recipe{}, fmt.Errorf("recipe %s: %w", key, asset.ErrNotFound)
	}
	return decodeRecipe(fields), nil
}

// LinkAsset points the recipe's last_asset_id at assetID. The write is an upsert
// ordered by ingest time, so replays and stale writers cannot move it backwards.
// It reports whether the pointer was written.
func (s *RecipeStore) LinkAsset(ctx context.Context, key asset.RecipeKey, assetID string, ingestedAt time.Time) (bool, error) {
	res, err := linkAssetScript.Run(ctx, s.redis, []string{recipeKey(key), recipeIndexKey},
		assetID, ingestedAt.UnixMilli(), key.PK, key.SK, ingestedAt.Unix()).Int()
	if err != nil {
		return false, asset.Transient("link recipe asset", err)
	}
	return res == 1, nil
}

func decodeRecipe(fields map[string]string) asset.Recipe {
	r := asset.Recipe{
		PK:          fields["pk"],
		SK:          fields["sk"],
		Name:        fields["name"],
		Author:      fields["author"],
		Status:      fields["status"],
		LastAssetID: fields["last_asset_id"],
	}
	r.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	if ms, err := strconv.ParseInt(fields["last_asset_at"], 10, 64); err == nil {
		r.LastAssetAt = time.UnixMilli(ms)
	}
	_ = json.Unmarshal([]byte(fields["ingredients"]), &r.Ingredients)
	_ = json.Unmarshal([]byte(fields["steps"]), &r.Steps)
	return r
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
