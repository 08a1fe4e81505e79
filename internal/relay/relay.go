// Package relay forwards completion events to a chat webhook.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/imalyk/go-asset-pipeline/internal/events"
	"github.com/imalyk/go-asset-pipeline/internal/queue"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

// DeadLetters keeps deliveries that could not be completed.
type DeadLetters interface {
	Push(ctx context.Context, body []byte) (string, error)
}

type Options struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	// DetailTypes limits which events are relayed. Empty means all completion events.
	DetailTypes []string
	Logger      *slog.Logger
}

type Relay struct {
	target      TargetSource
	client      *http.Client
	deadLetters DeadLetters
	opts        Options
	accept      map[string]bool
	logger      *slog.Logger
	now         func() time.Time
}

func New(target TargetSource, client *http.Client, deadLetters DeadLetters, opts Options) *Relay {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if len(opts.DetailTypes) == 0 {
		opts.DetailTypes = []string{asset.DetailTypeProcessed, asset.DetailTypeFailed}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	accept := make(map[string]bool, len(opts.DetailTypes))
	for _, t := range opts.DetailTypes {
		accept[t] = true
	}
	return &Relay{
		target:      target,
		client:      client,
		deadLetters: deadLetters,
		opts:        opts,
		accept:      accept,
		logger:      logger,
		now:         time.Now,
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

func Message(ev asset.CompletionEvent) string {
	return fmt.Sprintf(":seedling: Asset %s processed with status %s", ev.AssetID, ev.Status)
}

type deadLetter struct {
	MessageID string          `json:"message_id"`
	Body      json.RawMessage `json:"body"`
	Error     string          `json:"error"`
	FailedAt  int64           `json:"failed_at"`
}

func (r *Relay) HandleBatch(ctx context.Context, msgs []queue.Message) queue.Report {
	var report queue.Report
	for i, msg := range msgs {
		if err := r.handle(ctx, msg); err != nil {
			report.Fail(i, msg, err)
		}
	}
	return report
}

func (r *Relay) handle(ctx context.Context, msg queue.Message) error {
	env, err := events.Decode(msg.Body)
	if err != nil {
		return r.park(ctx, msg, err)
	}
	if !r.accept[env.DetailType] {
		r.logger.Debug("skipping event", "detail_type", env.DetailType, "asset_id", env.Detail.AssetID)
		return nil
	}

	url, err := r.target.Target(ctx)
	if err != nil {
		// Missing configuration is fixable, so leave the record for redelivery.
		return asset.Transient("resolve webhook", err)
	}

	if err := r.Deliver(ctx, url, env.Detail); err != nil {
		if ctx.Err() != nil {
			return asset.Transient("deliver", err)
		}
		return r.park(ctx, msg, err)
	}
	r.logger.Info("notification delivered", "asset_id", env.Detail.AssetID, "status", env.Detail.Status)
	return nil
}

// park moves a record to the dead-letter list. The record counts as handled
// once parked.
func (r *Relay) park(ctx context.Context, msg queue.Message, cause error) error {
	body := json.RawMessage(msg.Body)
	if !json.Valid(msg.Body) {
		body, _ = json.Marshal(string(msg.Body))
	}
	record, err := json.Marshal(deadLetter{
		MessageID: msg.ID,
		Body:      body,
		Error:     cause.Error(),
		FailedAt:  r.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := r.deadLetters.Push(ctx, record); err != nil {
		return asset.Transient("dead-letter notification", err)
	}
	r.logger.Error("notification dead-lettered", "message_id", msg.ID, "error", cause)
	return nil
}

// Deliver posts the chat message with bounded exponential retry. Client errors
// other than timeouts and throttling are not retried.
func (r *Relay) Deliver(ctx context.Context, url string, ev asset.CompletionEvent) error {
	payload, err := json.Marshal(slackMessage{Text: Message(ev)})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.InitialBackoff
	policy.MaxInterval = r.opts.MaxBackoff

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, r.post(ctx, url, payload)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("webhook delivery failed, retrying", "asset_id", ev.AssetID, "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("deliver after %d attempts: %w", attempt, err)
	}
	return nil
}

func (r *Relay) post(ctx context.Context, url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: build request: %v", asset.ErrPermanentInput, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return asset.Transient("post webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("webhook responded %s", resp.Status)
	if permanentStatus(resp.StatusCode) {
		return backoff.Permanent(fmt.Errorf("%w: %v", asset.ErrPermanentInput, statusErr))
	}
	return asset.Transient("post webhook", statusErr)
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
