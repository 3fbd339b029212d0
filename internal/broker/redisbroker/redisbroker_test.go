package redisbroker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/medpipe/core/internal/broker"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "test")
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	taskID, err := b.Enqueue(ctx, "proc-1", map[string]interface{}{"pipeline": "intake"}, broker.DefaultQueue)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected non-empty task id")
	}

	task, err := b.Dequeue(ctx, broker.DefaultQueue, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.ID != taskID || task.ProcessingID != "proc-1" || task.Queue != broker.DefaultQueue {
		t.Fatalf("task = %+v", task)
	}
}

func TestDequeueReturnsNilOnTimeout(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	task, err := b.Dequeue(ctx, broker.DefaultQueue, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task, got %+v", task)
	}
}

func TestDequeueStartsHeartbeatLease(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	if _, err := b.Enqueue(ctx, "proc-2", nil, broker.DefaultQueue); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := b.Dequeue(ctx, broker.DefaultQueue, time.Second)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: task=%+v err=%v", task, err)
	}

	expired, err := b.ExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ExpiredLeases: %v", err)
	}
	for _, id := range expired {
		if id == task.ID {
			t.Fatal("freshly dequeued task should not be an expired lease")
		}
	}
}

func TestAckRemovesLease(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	if _, err := b.Enqueue(ctx, "proc-3", nil, broker.DefaultQueue); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := b.Dequeue(ctx, broker.DefaultQueue, time.Second)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: task=%+v err=%v", task, err)
	}
	if err := b.Ack(ctx, task); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	n, err := b.client.ZCard(ctx, b.leaseKey()).Result()
	if err != nil {
		t.Fatalf("ZCard: %v", err)
	}
	if n != 0 {
		t.Fatalf("leases remaining = %d, want 0", n)
	}
}

func TestCancelAndIsCancelled(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	cancelled, err := b.IsCancelled(ctx, "proc-4")
	if err != nil || cancelled {
		t.Fatalf("IsCancelled before Cancel = %v, %v", cancelled, err)
	}

	if err := b.Cancel(ctx, "proc-4"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	cancelled, err = b.IsCancelled(ctx, "proc-4")
	if err != nil || !cancelled {
		t.Fatalf("IsCancelled after Cancel = %v, %v", cancelled, err)
	}
}

func TestQueueDepthCountsUndequeuedTasks(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, "proc-5", nil, broker.HighPriorityQueue); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	depth, err := b.QueueDepth(ctx, broker.HighPriorityQueue)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("QueueDepth = %d, want 3", depth)
	}
}

func TestNewDefaultsEmptyNamespace(t *testing.T) {
	b := New(nil, "")
	if b.namespace != "medpipe" {
		t.Fatalf("namespace = %q, want medpipe", b.namespace)
	}
}
