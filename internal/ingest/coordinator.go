// Package ingest admits uploaded objects into the pipeline. Every step is safe
// to repeat, so the notification transport may redeliver freely.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/imalyk/go-asset-pipeline/internal/executor"
	"github.com/imalyk/go-asset-pipeline/internal/queue"
	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type AssetStore interface {
	CreateIfAbsent(ctx context.Context, a asset.Asset) (bool, error)
	Get(ctx context.Context, id string) (asset.Asset, error)
	SetExecution(ctx context.Context, id, handle string) error
}

type RecipeLinker interface {
	LinkAsset(ctx context.Context, key asset.RecipeKey, assetID string, ingestedAt time.Time) (bool, error)
}

type Execution struct {
	AssetID         string `json:"asset_id"`
	ExecutionHandle string `json:"execution_handle"`
	// Duplicate is set when the run was already started by an earlier delivery.
	Duplicate bool `json:"duplicate,omitempty"`
}

type BatchResult struct {
	queue.Report
	Executions []Execution `json:"executions"`
}

type Coordinator struct {
	assets   AssetStore
	recipes  RecipeLinker
	executor executor.Executor
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewCoordinator(assets AssetStore, recipes RecipeLinker, exec executor.Executor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		assets:   assets,
		recipes:  recipes,
		executor: exec,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// HandleBatch processes each notification independently. One bad record never
// blocks the others; failures are reported per message.
func (c *Coordinator) HandleBatch(ctx context.Context, msgs []queue.Message) queue.Report {
	return c.Ingest(ctx, msgs).Report
}

func (c *Coordinator) Ingest(ctx context.Context, msgs []queue.Message) BatchResult {
	result := BatchResult{Executions: make([]Execution, 0, len(msgs))}
	for i, msg := range msgs {
		exec, err := c.ingestOne(ctx, msg.Body)
		if err != nil {
			if asset.IsPermanent(err) {
				c.logger.Error("dropping malformed notification", "message_id", msg.ID, "error", err)
			} else {
				c.logger.Warn("ingest failed", "message_id", msg.ID, "error", err)
			}
			result.Fail(i, msg, err)
			continue
		}
		result.Executions = append(result.Executions, exec)
	}
	if err := result.Err(); err != nil {
		c.logger.Info("ingest batch finished with failures",
			"records", len(msgs), "executions", len(result.Executions), "failures", len(result.Failures))
	}
	return result
}

// IngestNotification runs a single notification through the same steps as a batch record.
func (c *Coordinator) IngestNotification(ctx context.Context, n asset.Notification) (Execution, error) {
	n = n.Normalize()
	if n.Bucket == "" || n.ObjectKey == "" {
		return Execution{}, fmt.Errorf("%w: notification requires bucket and object_key", asset.ErrPermanentInput)
	}
	return c.ingest(ctx, n)
}

func (c *Coordinator) ingestOne(ctx context.Context, body []byte) (Execution, error) {
	n, err := asset.ParseNotification(body)
	if err != nil {
		return Execution{}, err
	}
	return c.ingest(ctx, n)
}

func (c *Coordinator) ingest(ctx context.Context, n asset.Notification) (Execution, error) {
	assetID := c.assetID(n)
	record := asset.Asset{
		AssetID:    assetID,
		Bucket:     n.Bucket,
		ObjectKey:  n.ObjectKey,
		RecipePK:   n.RecipePK,
		RecipeSK:   n.RecipeSK,
		Status:     asset.StatusReceived,
		IngestedAt: c.now().Truncate(time.Second),
	}

	created, err := c.assets.CreateIfAbsent(ctx, record)
	if err != nil {
		return Execution{}, fmt.Errorf("create asset %s: %w", assetID, err)
	}
	if !created {
		// Keep the first ingest time so the recipe link stays stable across redeliveries.
		existing, err := c.assets.Get(ctx, assetID)
		if err != nil {
			return Execution{}, fmt.Errorf("load asset %s: %w", assetID, err)
		}
		record.IngestedAt = existing.IngestedAt
		c.logger.Debug("asset already recorded", "asset_id", assetID, "status", existing.Status)
	}

	if _, err := c.recipes.LinkAsset(ctx, n.Recipe(), assetID, record.IngestedAt); err != nil {
		return Execution{}, fmt.Errorf("link recipe %s: %w", n.Recipe(), err)
	}

	runName := executor.RunName(assetID)
	handle, err := c.executor.Start(ctx, runName, asset.PipelineInput{
		AssetID:   assetID,
		Bucket:    n.Bucket,
		ObjectKey: n.ObjectKey,
		RecipePK:  n.RecipePK,
	})
	duplicate := false
	switch {
	case err == nil:
	case errors.Is(err, asset.ErrAlreadyExists):
		duplicate = true
	default:
		return Execution{}, fmt.Errorf("start execution %s: %w", runName, err)
	}

	if handle != "" {
		if err := c.assets.SetExecution(ctx, assetID, handle); err != nil {
			return Execution{}, fmt.Errorf("record execution %s: %w", runName, err)
		}
	}

	c.logger.Info("asset ingested", "asset_id", assetID, "run_name", runName, "duplicate", duplicate)
	return Execution{AssetID: assetID, ExecutionHandle: handle, Duplicate: duplicate}, nil
}

// assetID prefers an explicit ID, then the object key, and mints one only when
// the notification carries neither.
func (c *Coordinator) assetID(n asset.Notification) string {
	if n.AssetID != "" {
		return n.AssetID
	}
	if n.ObjectKey != "" {
		return n.ObjectKey
	}
	return c.newID()
}
