// Package events publishes completion events for assets that reached a
// terminal status.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

// Pusher appends a record to the durable event stream.
type Pusher interface {
	Push(ctx context.Context, body []byte) (string, error)
}

type Publisher struct {
	stream  Pusher
	redis   *redis.Client
	channel string
	logger  *slog.Logger
	now     func() time.Time
}

// NewPublisher writes envelopes to stream. When channel is set, each envelope is
// also broadcast there; subscribers that miss it can still read the stream.
func NewPublisher(stream Pusher, client *redis.Client, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{stream: stream, redis: client, channel: channel, logger: logger, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, ev asset.CompletionEvent) error {
	env := asset.NewEnvelope(ev, p.now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	id, err := p.stream.Push(ctx, body)
	if err != nil {
		return asset.Transient("publish event", err)
	}

	if p.channel != "" && p.redis != nil {
		if err := p.redis.Publish(ctx, p.channel, body).Err(); err != nil {
			p.logger.Warn("failed to broadcast event", "asset_id", ev.AssetID, "channel", p.channel, "error", err)
		}
	}
	p.logger.Info("event published", "asset_id", ev.AssetID, "detail_type", env.DetailType, "record_id", id)
	return nil
}

// Decode parses an envelope read back from the event stream.
func Decode(body []byte) (asset.Envelope, error) {
	var env asset.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return asset.Envelope{}, fmt.Errorf("%w: decode event: %v", asset.ErrPermanentInput, err)
	}
	if env.Detail.AssetID == "" {
		return asset.Envelope{}, fmt.Errorf("%w: event without asset_id", asset.ErrPermanentInput)
	}
	return env, nil
}
