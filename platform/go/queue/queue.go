// Package queue is the Redis-backed provisioning job queue.
//
// Messages are pushed on the left of a list and moved atomically from its right end into a
// per-worker processing list. A message leaves the processing list only when acked, so a worker
// that dies mid-job finds its in-flight messages again through RecoverInFlight.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/contracts"
	"github.com/zenGate-Global/palmyra-agency/platform/go/metrics"
)

var (
	// ErrEmpty is returned by Dequeue when no message arrived before the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrInvalidMessage marks a payload that does not satisfy the job message schema.
	ErrInvalidMessage = errors.New("invalid job message")
)

// DefaultKey is the list holding pending provisioning messages.
const DefaultKey = "palmyra:provisioning:jobs"

// Config wires a Queue.
type Config struct {
	Client redis.Cmdable
	// Key defaults to DefaultKey.
	Key       string
	Validator *Validator
	Logger    *zap.Logger
}

// Queue is safe for concurrent use.
type Queue struct {
	client    redis.Cmdable
	key       string
	validator *Validator
	logger    *zap.Logger
}

// Delivery is a dequeued message still parked in the worker's processing list.
type Delivery struct {
	Message    JobMessage
	raw        string
	processing string
}

// New constructs a Queue. A nil Validator compiles the embedded job message schema.
func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		panic("queue requires redis client")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Validator == nil {
		v, err := NewValidator(contracts.JobMessageSchema)
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	return &Queue{client: cfg.Client, key: cfg.Key, validator: cfg.Validator, logger: cfg.Logger}, nil
}

// Enqueue validates and publishes msg.
func (q *Queue) Enqueue(ctx context.Context, msg JobMessage) error {
	payload, err := q.validator.Encode(msg)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	metrics.ObserveQueue("enqueue")
	return nil
}

// Dequeue blocks up to timeout for the next message and parks it in workerID's processing list.
// Payloads failing validation are moved to the dead-letter list and reported as ErrInvalidMessage.
func (q *Queue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*Delivery, error) {
	processing := q.processingKey(workerID)

	raw, err := q.client.BLMove(ctx, q.key, processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	msg, err := q.validator.Decode([]byte(raw))
	if err != nil {
		q.logger.Warn("dropping invalid job message", zap.String("worker_id", workerID), zap.Error(err))
		metrics.ObserveQueue("invalid")
		if _, perr := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, processing, 1, raw)
			pipe.LPush(ctx, q.deadKey(), raw)
			return nil
		}); perr != nil {
			return nil, errors.Join(err, fmt.Errorf("dead-letter: %w", perr))
		}
		return nil, err
	}

	metrics.ObserveQueue("dequeue")
	return &Delivery{Message: msg, raw: raw, processing: processing}, nil
}

// Ack removes a finished delivery from the processing list.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, d.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.Message.JobID, err)
	}
	metrics.ObserveQueue("ack")
	return nil
}

// Nack returns a delivery to the back of the queue.
func (q *Queue) Nack(ctx context.Context, d *Delivery) error {
	if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.processing, 1, d.raw)
		pipe.LPush(ctx, q.key, d.raw)
		return nil
	}); err != nil {
		return fmt.Errorf("nack job %s: %w", d.Message.JobID, err)
	}
	metrics.ObserveQueue("nack")
	return nil
}

// RecoverInFlight moves every message left in workerID's processing list back onto the queue.
func (q *Queue) RecoverInFlight(ctx context.Context, workerID string) (int, error) {
	processing := q.processingKey(workerID)
	recovered := 0
	for {
		err := q.client.LMove(ctx, processing, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("recover in-flight for %s: %w", workerID, err)
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered in-flight job messages", zap.String("worker_id", workerID), zap.Int("count", recovered))
		metrics.ObserveQueue("recovered")
	}
	return recovered, nil
}

// Len reports the number of pending messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Ping checks broker reachability.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) processingKey(workerID string) string {
	return q.key + ":processing:" + workerID
}

func (q *Queue) deadKey() string {
	return q.key + ":dead"
}
