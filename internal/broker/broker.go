// Package broker defines the task-queue contract the scheduler depends on
// and a Redis-backed implementation.
package broker

import (
	"context"
	"time"
)

// Task is a unit of work the scheduler consumes from a broker.
type Task struct {
	ID           string
	ProcessingID string
	Options      map[string]interface{}
	Queue        string
}

// Broker is any message broker offering at-least-once delivery,
// acknowledgement, and a result backend with TTL expiry.
type Broker interface {
	// Enqueue publishes a task and returns its broker-assigned task id.
	// Calling Enqueue twice with the same processingID is accepted; the
	// scheduler, not the broker, is responsible for pickup-time
	// deduplication against job status.
	Enqueue(ctx context.Context, processingID string, options map[string]interface{}, queue string) (taskID string, err error)

	// Dequeue blocks up to timeout for the next task on queue, or returns
	// (nil, nil) if none arrived.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error)

	// Ack acknowledges successful processing of a task, removing it from
	// any redelivery tracking.
	Ack(ctx context.Context, task *Task) error

	// Heartbeat re-asserts ownership of a task being worked, so a worker
	// that dies stops renewing and the task becomes eligible for
	// orphan-cleanup.
	Heartbeat(ctx context.Context, task *Task, ttl time.Duration) error

	// Cancel records a cancellation intent for processingID, observable by
	// the worker currently processing it between steps.
	Cancel(ctx context.Context, processingID string) error

	// IsCancelled reports whether Cancel was called for processingID and
	// has not been cleared.
	IsCancelled(ctx context.Context, processingID string) (bool, error)

	// QueueDepth returns the approximate number of pending tasks on queue.
	QueueDepth(ctx context.Context, queue string) (int64, error)
}

const (
	// DefaultQueue is used when callers don't request a priority queue.
	DefaultQueue = "jobs"
	// HighPriorityQueue is acknowledged per spec: a separate queue workers
	// drain before DefaultQueue, when the broker implementation supports
	// priority ordering.
	HighPriorityQueue = "jobs:high_priority"
)
