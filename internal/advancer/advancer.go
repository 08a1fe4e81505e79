// Package advancer moves assets to their terminal status when a pipeline run
// finishes and emits exactly one completion event per transition.
package advancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imalyk/go-asset-pipeline/internal/queue"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type AssetStore interface {
	Get(ctx context.Context, id string) (asset.Asset, error)
	Advance(ctx context.Context, id string, from, to asset.Status, at time.Time) error
	MarkEventPublished(ctx context.Context, id string) error
	ClaimEvent(ctx context.Context, id string, lease time.Duration) (bool, error)
}

const eventLease = 30 * time.Second

type Publisher interface {
	Publish(ctx context.Context, ev asset.CompletionEvent) error
}

type Advancer struct {
	assets    AssetStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(assets AssetStore, publisher Publisher, logger *slog.Logger) *Advancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advancer{assets: assets, publisher: publisher, logger: logger, now: time.Now}
}

func (a *Advancer) HandleBatch(ctx context.Context, msgs []queue.Message) queue.Report {
	var report queue.Report
	for i, msg := range msgs {
		if err := a.handle(ctx, msg.Body); err != nil {
			report.Fail(i, msg, err)
		}
	}
	return report
}

func (a *Advancer) handle(ctx context.Context, body []byte) error {
	signal, err := asset.ParseFinishSignal(body)
	if err != nil {
		a.logger.Error("dropping malformed finish signal", "error", err)
		return err
	}
	return a.Advance(ctx, signal)
}

// Advance applies one finish signal. Replays of an already applied signal only
// re-emit the event when the earlier attempt stopped before publishing it.
func (a *Advancer) Advance(ctx context.Context, signal asset.FinishSignal) error {
	target := signal.TargetStatus()
	err := a.assets.Advance(ctx, signal.AssetID, asset.StatusReceived, target, a.now())
	switch {
	case err == nil:
		a.logger.Info("asset advanced", "asset_id", signal.AssetID, "status", target, "run_name", signal.RunName)
	case errors.Is(err, asset.ErrConditionFailed):
		// handled below from the stored record
	case errors.Is(err, asset.ErrNotFound):
		return fmt.Errorf("%w: finish signal for unknown asset %s", asset.ErrPermanentInput, signal.AssetID)
	default:
		return err
	}

	current, err := a.assets.Get(ctx, signal.AssetID)
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) {
			return fmt.Errorf("%w: %v", asset.ErrPermanentInput, err)
		}
		return err
	}
	if !current.Status.Terminal() {
		return fmt.Errorf("%w: asset %s still %s after advance", asset.ErrConditionFailed, current.AssetID, current.Status)
	}
	if current.EventPublished {
		a.logger.Debug("duplicate finish signal ignored", "asset_id", current.AssetID, "status", current.Status)
		return nil
	}
	if current.Status != target {
		a.logger.Warn("finish signal disagrees with stored status", "asset_id", current.AssetID,
			"stored", current.Status, "signalled", target)
	}

	claimed, err := a.assets.ClaimEvent(ctx, current.AssetID, eventLease)
	if err != nil {
		return err
	}
	if !claimed {
		return asset.Transient("publish event", fmt.Errorf("event for asset %s is being published elsewhere", current.AssetID))
	}
	if err := a.publisher.Publish(ctx, asset.CompletionEvent{
		AssetID:   current.AssetID,
		Bucket:    current.Bucket,
		ObjectKey: current.ObjectKey,
		Status:    current.Status,
	}); err != nil {
		return err
	}
	if err := a.assets.MarkEventPublished(ctx, current.AssetID); err != nil {
		return err
	}
	return nil
}
