package pool

import (
	"container/heap"
	"sync"
)

// Queue is a priority-ordered pending-task queue: descending priority, ties
// broken by ascending enqueue sequence (spec §4.2).
type Queue struct {
	mu   sync.Mutex
	heap taskHeap
	seq  uint64
}

// NewQueue constructs an empty priority queue.
func NewQueue() *Queue {
	q := &Queue{}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a task, stamping it with the next enqueue sequence number if
// it has not already been assigned one (a task returned to the queue after
// a failed dispatch attempt keeps its original sequence, preserving FIFO
// ordering among equal priorities).
func (q *Queue) Enqueue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.EnqueueSeq == 0 {
		q.seq++
		t.EnqueueSeq = q.seq
	}
	heap.Push(&q.heap, t)
}

// PopHighest removes and returns the highest-priority pending task, or nil
// if the queue is empty.
func (q *Queue) PopHighest() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Task)
}

// Peek returns the highest-priority task without removing it.
func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	return q.heap[0]
}

// Size returns the number of pending tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// taskHeap implements container/heap.Interface ordered by descending
// priority, then ascending enqueue sequence.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueueSeq < h[j].EnqueueSeq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
