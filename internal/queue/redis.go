package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type envelope struct {
	ID       string `json:"id"`
	Body     string `json:"body"`
	Attempts int    `json:"attempts"`
}

// RedisQueue is a list-backed queue. Received records are parked on a
// processing list until acknowledged, so a crashed consumer loses nothing:
// Recover puts parked records back.
type RedisQueue struct {
	redis         *redis.Client
	key           string
	processing    string
	deadLetter    string
	pollTimeout   time.Duration
	maxDeliveries int
}

type RedisQueueOptions struct {
	// PollTimeout bounds a blocking Receive. Redis counts blocking timeouts in
	// whole seconds, so anything shorter is raised to 1s.
	PollTimeout time.Duration
	// MaxDeliveries moves a record to the dead-letter list after that many
	// failed deliveries. Zero means unlimited.
	MaxDeliveries int
}

func NewRedisQueue(client *redis.Client, key string, opts RedisQueueOptions) *RedisQueue {
	switch {
	case opts.PollTimeout <= 0:
		opts.PollTimeout = 5 * time.Second
	case opts.PollTimeout < time.Second:
		opts.PollTimeout = time.Second
	}
	return &RedisQueue{
		redis:         client,
		key:           key,
		processing:    key + ":processing",
		deadLetter:    key + ":dlq",
		pollTimeout:   opts.PollTimeout,
		maxDeliveries: opts.MaxDeliveries,
	}
}

func (q *RedisQueue) Key() string        { return q.key }
func (q *RedisQueue) DeadLetter() string { return q.deadLetter }

// Push enqueues body and returns the message ID assigned to it.
func (q *RedisQueue) Push(ctx context.Context, body []byte) (string, error) {
	id := uuid.New().String()
	payload, err := EncodeMessage(id, body)
	if err != nil {
		return "", err
	}
	if err := q.redis.RPush(ctx, q.key, payload).Err(); err != nil {
		return "", asset.Transient("enqueue", err)
	}
	return id, nil
}

// EncodeMessage renders a record the way RedisQueue stores it, for producers
// that push inside their own transaction or script.
func EncodeMessage(id string, body []byte) ([]byte, error) {
	payload, err := json.Marshal(envelope{ID: id, Body: string(body)})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	first, err := q.redis.BLMove(ctx, q.key, q.processing, "LEFT", "RIGHT", q.pollTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, asset.Transient("receive", err)
	}

	msgs := []Message{decodeEnvelope(first)}
	for len(msgs) < max {
		raw, err := q.redis.LMove(ctx, q.key, q.processing, "LEFT", "RIGHT").Result()
		if err != nil {
			// redis.Nil means drained; on any other error settle what is already parked.
			break
		}
		msgs = append(msgs, decodeEnvelope(raw))
	}
	return msgs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msgs ...Message) error {
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range msgs {
			pipe.LRem(ctx, q.processing, 1, msg.receipt)
		}
		return nil
	})
	if err != nil {
		return asset.Transient("ack", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, msgs ...Message) error {
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range msgs {
			env := envelope{ID: msg.ID, Body: string(msg.Body), Attempts: msg.Attempts + 1}
			payload, err := json.Marshal(env)
			if err != nil {
				return err
			}
			target := q.key
			if q.maxDeliveries > 0 && env.Attempts >= q.maxDeliveries {
				target = q.deadLetter
			}
			pipe.LRem(ctx, q.processing, 1, msg.receipt)
			pipe.RPush(ctx, target, payload)
		}
		return nil
	})
	if err != nil {
		return asset.Transient("nack", err)
	}
	return nil
}

// Recover returns every parked record to the head of the queue. Call it once at
// startup, before any consumer of this queue is running.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.redis.LMove(ctx, q.processing, q.key, "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, asset.Transient("recover", err)
		}
		moved++
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.key).Result()
}

// decodeEnvelope accepts both wrapped records and raw bodies pushed by other producers.
func decodeEnvelope(raw string) Message {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.ID == "" {
		return Message{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw)).String(), Body: []byte(raw), receipt: raw}
	}
	return Message{ID: env.ID, Body: []byte(env.Body), Attempts: env.Attempts, receipt: raw}
}
