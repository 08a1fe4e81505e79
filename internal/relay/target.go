package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

// TargetSource resolves the webhook URL. Implementations are consulted on every
// delivery so that a rotated URL takes effect without a restart.
type TargetSource interface {
	Target(ctx context.Context) (string, error)
}

// RedisParameter reads the URL from a plain Redis key, the shared parameter
// store for this deployment.
type RedisParameter struct {
	Client *redis.Client
	Key    string
}

func (p RedisParameter) Target(ctx context.Context) (string, error) {
	value, err := p.Client.Get(ctx, p.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("webhook parameter %s: %w", p.Key, asset.ErrNotFound)
	}
	if err != nil {
		return "", asset.Transient("read webhook parameter", err)
	}
	return strings.TrimSpace(value), nil
}

type EnvTarget string

func (e EnvTarget) Target(context.Context) (string, error) {
	value := strings.TrimSpace(os.Getenv(string(e)))
	if value == "" {
		return "", fmt.Errorf("webhook env %s: %w", string(e), asset.ErrNotFound)
	}
	return value, nil
}

// FirstOf returns the first source that yields a URL.
type FirstOf []TargetSource

func (f FirstOf) Target(ctx context.Context) (string, error) {
	var lastErr error = fmt.Errorf("no webhook configured: %w", asset.ErrNotFound)
	for _, src := range f {
		url, err := src.Target(ctx)
		if err == nil && url != "" {
			return url, nil
		}
		if err != nil {
			lastErr = err
			if !errors.Is(err, asset.ErrNotFound) {
				return "", err
			}
		}
	}
	return "", lastErr
}
