package pool

import (
	"testing"
	"time"
)

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue()
	low := NewTask("low", TaskInference, nil, 1, CapabilityBasic, 1, time.Now())
	high := NewTask("high", TaskInference, nil, 9, CapabilityBasic, 1, time.Now())
	mid := NewTask("mid", TaskInference, nil, 5, CapabilityBasic, 1, time.Now())

	q.Enqueue(low)
	q.Enqueue(high)
	q.Enqueue(mid)

	if got := q.PopHighest(); got.ID != "high" {
		t.Fatalf("expected high priority first, got %s", got.ID)
	}
	if got := q.PopHighest(); got.ID != "mid" {
		t.Fatalf("expected mid priority second, got %s", got.ID)
	}
	if got := q.PopHighest(); got.ID != "low" {
		t.Fatalf("expected low priority last, got %s", got.ID)
	}
	if got := q.PopHighest(); got != nil {
		t.Fatalf("expected empty queue, got %v", got)
	}
}

func TestQueueFIFOTieBreak(t *testing.T) {
	q := NewQueue()
	first := NewTask("first", TaskInference, nil, 5, CapabilityBasic, 1, time.Now())
	second := NewTask("second", TaskInference, nil, 5, CapabilityBasic, 1, time.Now())
	third := NewTask("third", TaskInference, nil, 5, CapabilityBasic, 1, time.Now())

	q.Enqueue(first)
	q.Enqueue(second)
	q.Enqueue(third)

	for _, want := range []string{"first", "second", "third"} {
		if got := q.PopHighest(); got.ID != want {
			t.Fatalf("expected FIFO order %s, got %s", want, got.ID)
		}
	}
}

func TestQueueRetainsSeqOnReenqueue(t *testing.T) {
	q := NewQueue()
	older := NewTask("older", TaskInference, nil, 5, CapabilityBasic, 1, time.Now())
	q.Enqueue(older)
	q.PopHighest()

	newer := NewTask("newer", TaskInference, nil, 5, CapabilityBasic, 1, time.Now())
	q.Enqueue(newer)
	// older keeps its original sequence number, so re-enqueuing it still
	// places it ahead of a task enqueued after it was first popped.
	q.Enqueue(older)

	if got := q.PopHighest(); got.ID != "older" {
		t.Fatalf("expected older task to retain its original FIFO position, got %s", got.ID)
	}
}
