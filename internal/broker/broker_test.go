package broker

import "testing"

func TestQueueNamesAreDistinct(t *testing.T) {
	if DefaultQueue == HighPriorityQueue {
		t.Fatal("DefaultQueue and HighPriorityQueue must not collide")
	}
	if DefaultQueue == "" || HighPriorityQueue == "" {
		t.Fatal("queue names must not be empty")
	}
}

func TestTaskCarriesQueueOrigin(t *testing.T) {
	task := &Task{ID: "t-1", ProcessingID: "proc-1", Queue: HighPriorityQueue, Options: map[string]interface{}{"high_priority": true}}
	if task.Queue != HighPriorityQueue {
		t.Fatalf("Queue = %q, want %q", task.Queue, HighPriorityQueue)
	}
	if task.Options["high_priority"] != true {
		t.Fatalf("Options = %+v", task.Options)
	}
}
