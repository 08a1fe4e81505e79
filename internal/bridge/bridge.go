// Package bridge turns object-created events from the uploads bucket into
// ingest notifications.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/imalyk/go-asset-pipeline/internal/admission"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

// Listener is the part of *minio.Client the bridge needs.
type Listener interface {
	ListenBucketNotification(ctx context.Context, bucket, prefix, suffix string, events []string) <-chan notification.Info
}

type Pusher interface {
	Push(ctx context.Context, body []byte) (string, error)
}

type Bridge struct {
	listener Listener
	bucket   string
	prefix   string
	out      Pusher
	logger   *slog.Logger

	pushInterval time.Duration
}

func New(listener Listener, bucket, prefix string, out Pusher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		listener:     listener,
		bucket:       bucket,
		prefix:       prefix,
		out:          out,
		logger:       logger,
		pushInterval: 500 * time.Millisecond,
	}
}

// Run forwards events until ctx is cancelled, re-subscribing with backoff
// whenever the listen stream breaks.
func (b *Bridge) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 30 * time.Second

	for {
		forwarded, err := b.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if forwarded > 0 {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		b.logger.Warn("bucket notification stream ended, reconnecting", "bucket", b.bucket, "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *Bridge) listen(ctx context.Context) (int, error) {
	ch := b.listener.ListenBucketNotification(ctx, b.bucket, b.prefix, "", []string{string(notification.ObjectCreatedAll)})
	b.logger.Info("listening for uploads", "bucket", b.bucket, "prefix", b.prefix)

	forwarded := 0
	for {
		var info notification.Info
		var ok bool
		select {
		case <-ctx.Done():
			return forwarded, ctx.Err()
		case info, ok = <-ch:
		}
		if !ok {
			return forwarded, fmt.Errorf("listen stream closed")
		}
		if info.Err != nil {
			return forwarded, info.Err
		}
		for _, record := range info.Records {
			if err := b.Forward(ctx, record); err != nil {
				if ctx.Err() != nil {
					return forwarded, ctx.Err()
				}
				b.logger.Error("failed to forward upload event", "key", record.S3.Object.Key, "error", err)
				continue
			}
			forwarded++
		}
	}
}

func (b *Bridge) Forward(ctx context.Context, record notification.Event) error {
	n, err := ToNotification(record)
	if err != nil {
		return err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	id, err := b.push(ctx, body)
	if err != nil {
		return err
	}
	b.logger.Info("upload forwarded", "bucket", n.Bucket, "object_key", n.ObjectKey, "message_id", id)
	return nil
}

// push retries until the record is queued or fails permanently. The listen
// stream never replays an event.
func (b *Bridge) push(ctx context.Context, body []byte) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.pushInterval
	policy.MaxInterval = 30 * time.Second
	return backoff.Retry(ctx, func() (string, error) {
		id, err := b.out.Push(ctx, body)
		if err != nil && asset.IsPermanent(err) {
			return "", backoff.Permanent(err)
		}
		return id, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.logger.Warn("queueing upload failed, retrying", "error", err, "retry_in", wait)
		}),
	)
}

// ToNotification maps one bucket event onto an ingest notification. Object keys
// arrive URL-encoded; recipe references travel as user metadata.
func ToNotification(record notification.Event) (asset.Notification, error) {
	key, err := url.QueryUnescape(record.S3.Object.Key)
	if err != nil {
		return asset.Notification{}, fmt.Errorf("%w: object key %q: %v", asset.ErrPermanentInput, record.S3.Object.Key, err)
	}
	n := asset.Notification{
		Bucket:    record.S3.Bucket.Name,
		ObjectKey: key,
		RecipePK:  metadata(record.S3.Object.UserMetadata, admission.MetaRecipePK),
		RecipeSK:  metadata(record.S3.Object.UserMetadata, admission.MetaRecipeSK),
	}
	if n.Bucket == "" || n.ObjectKey == "" {
		return asset.Notification{}, fmt.Errorf("%w: event without bucket or key", asset.ErrPermanentInput)
	}
	return n, nil
}

func metadata(meta map[string]string, name string) string {
	for k, v := range meta {
		k = strings.ToLower(k)
		k = strings.TrimPrefix(k, "x-amz-meta-")
		if k == name {
			return v
		}
	}
	return ""
}
