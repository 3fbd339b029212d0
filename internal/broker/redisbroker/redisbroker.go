// Package redisbroker implements broker.Broker on go-redis/redis/v8: lists
// for FIFO queues, a sorted set keyed by deadline for heartbeat/lease
// tracking, and key expiry for cancellation flags.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/medpipe/core/internal/broker"
)

// Broker is the Redis-backed broker.Broker implementation.
type Broker struct {
	client    *redis.Client
	namespace string
}

// New constructs a Broker. namespace prefixes every Redis key so multiple
// deployments can share a Redis instance.
func New(client *redis.Client, namespace string) *Broker {
	if namespace == "" {
		namespace = "medpipe"
	}
	return &Broker{client: client, namespace: namespace}
}

func (b *Broker) queueKey(queue string) string      { return fmt.Sprintf("%s:queue:%s", b.namespace, queue) }
func (b *Broker) leaseKey() string                  { return fmt.Sprintf("%s:leases", b.namespace) }
func (b *Broker) cancelKey(processingID string) string {
	return fmt.Sprintf("%s:cancel:%s", b.namespace, processingID)
}

type wireTask struct {
	ID           string                 `json:"id"`
	ProcessingID string                 `json:"processing_id"`
	Options      map[string]interface{} `json:"options"`
	Queue        string                 `json:"queue"`
}

// Enqueue pushes a task onto the tail of queue's Redis list.
func (b *Broker) Enqueue(ctx context.Context, processingID string, options map[string]interface{}, queue string) (string, error) {
	if queue == "" {
		queue = broker.DefaultQueue
	}
	taskID := uuid.NewString()
	payload, err := json.Marshal(wireTask{
		ID:           taskID,
		ProcessingID: processingID,
		Options:      options,
		Queue:        queue,
	})
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	if err := b.client.RPush(ctx, b.queueKey(queue), payload).Err(); err != nil {
		return "", fmt.Errorf("rpush task: %w", err)
	}
	return taskID, nil
}

// Dequeue blocks on LPOP with a timeout using BLPOP semantics, returning
// (nil, nil) when nothing arrives before timeout.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*broker.Task, error) {
	if queue == "" {
		queue = broker.DefaultQueue
	}
	res, err := b.client.BLPop(ctx, timeout, b.queueKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	var wt wireTask
	if err := json.Unmarshal([]byte(res[1]), &wt); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	task := &broker.Task{ID: wt.ID, ProcessingID: wt.ProcessingID, Options: wt.Options, Queue: wt.Queue}
	if err := b.Heartbeat(ctx, task, 60*time.Second); err != nil {
		return nil, fmt.Errorf("initial heartbeat: %w", err)
	}
	return task, nil
}

// Ack removes the task's lease entry. The task itself was already removed
// from the queue list by Dequeue's BLPOP.
func (b *Broker) Ack(ctx context.Context, task *broker.Task) error {
	return b.client.ZRem(ctx, b.leaseKey(), task.ID).Err()
}

// Heartbeat re-sets the task's lease deadline in the sorted set, scored by
// the Unix timestamp at which the lease expires.
func (b *Broker) Heartbeat(ctx context.Context, task *broker.Task, ttl time.Duration) error {
	deadline := time.Now().Add(ttl).Unix()
	return b.client.ZAdd(ctx, b.leaseKey(), &redis.Z{Score: float64(deadline), Member: task.ID}).Err()
}

// Cancel sets a short-TTL cancellation marker the worker polls between
// steps.
func (b *Broker) Cancel(ctx context.Context, processingID string) error {
	return b.client.Set(ctx, b.cancelKey(processingID), "1", 24*time.Hour).Err()
}

// IsCancelled checks for the cancellation marker set by Cancel.
func (b *Broker) IsCancelled(ctx context.Context, processingID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.cancelKey(processingID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}

// QueueDepth returns the length of queue's Redis list.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	if queue == "" {
		queue = broker.DefaultQueue
	}
	n, err := b.client.LLen(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return n, nil
}

// ExpiredLeases returns task ids whose lease deadline has passed, for the
// scheduler's cleanup_orphaned_jobs maintenance task to act on.
func (b *Broker) ExpiredLeases(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())
	ids, err := b.client.ZRangeByScore(ctx, b.leaseKey(), &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	return ids, nil
}
