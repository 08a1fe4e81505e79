// Package queue is the at-least-once transport between pipeline stages. A
// Source hands out batches; records that fail transiently are redelivered,
// records that fail permanently are acknowledged and dropped.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type Message struct {
	ID       string
	Body     []byte
	Attempts int

	receipt string
}

type Source interface {
	Receive(ctx context.Context, max int) ([]Message, error)
	// Ack removes messages for good.
	Ack(ctx context.Context, msgs ...Message) error
	// Nack schedules messages for redelivery.
	Nack(ctx context.Context, msgs ...Message) error
}

type Failure struct {
	// Index is the record's position in its batch. IDs are not unique within
	// a batch: identical raw bodies share one.
	Index     int    `json:"index"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`

	err error
}

func (f Failure) Err() error {
	return f.err
}

func NewFailure(index int, msg Message, err error) Failure {
	return Failure{
		Index:     index,
		MessageID: msg.ID,
		Error:     err.Error(),
		Permanent: asset.IsPermanent(err),
		err:       err,
	}
}

// Report lists the records of a batch that did not succeed. Records not listed
// are considered done.
type Report struct {
	Failures []Failure `json:"failures,omitempty"`
}

// Fail records that msgs[index] of the batch did not succeed.
func (r *Report) Fail(index int, msg Message, err error) {
	r.Failures = append(r.Failures, NewFailure(index, msg, err))
}

// Err folds all failures into one error, or nil when the batch fully succeeded.
func (r Report) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, f.err)
	}
	return result.ErrorOrNil()
}

type Handler interface {
	HandleBatch(ctx context.Context, msgs []Message) Report
}

type HandlerFunc func(ctx context.Context, msgs []Message) Report

func (f HandlerFunc) HandleBatch(ctx context.Context, msgs []Message) Report {
	return f(ctx, msgs)
}

type ConsumeOptions struct {
	BatchSize  int
	ErrorDelay time.Duration
	Logger     *slog.Logger
}

// Consume pulls batches from src until ctx is cancelled.
func Consume(ctx context.Context, src Source, h Handler, opts ConsumeOptions) error {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := src.Receive(ctx, opts.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			logger.Error("failed to receive batch", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.ErrorDelay):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		Settle(ctx, src, msgs, h.HandleBatch(ctx, msgs), logger)
	}
}

// Settle acknowledges successful and permanently failed records and returns
// transient failures to the source for redelivery.
func Settle(ctx context.Context, src Source, msgs []Message, report Report, logger *slog.Logger) {
	failed := make(map[int]Failure, len(report.Failures))
	for _, f := range report.Failures {
		failed[f.Index] = f
	}

	var ack, nack []Message
	for i, msg := range msgs {
		f, ok := failed[i]
		switch {
		case !ok:
			ack = append(ack, msg)
		case f.Permanent:
			logger.Warn("dropping record with permanent error", "message_id", msg.ID, "error", f.Error)
			ack = append(ack, msg)
		default:
			logger.Warn("record failed, scheduling redelivery", "message_id", msg.ID, "attempts", msg.Attempts, "error", f.Error)
			nack = append(nack, msg)
		}
	}

	if len(ack) > 0 {
		if err := src.Ack(ctx, ack...); err != nil {
			logger.Error("failed to acknowledge records", "count", len(ack), "error", err)
		}
	}
	if len(nack) > 0 {
		if err := src.Nack(ctx, nack...); err != nil {
			logger.Error("failed to return records for redelivery", "count", len(nack), "error", err)
		}
	}
}
