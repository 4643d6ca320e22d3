package graph

import (
	"sync"

	"github.com/gammazero/deque"
)

// boundedQueue is a fixed-capacity FIFO of Outbound packets backed by
// gammazero/deque's ring buffer rather than a slice resized by hand.
// TryEnqueue never blocks; Dequeue blocks until an item is available or
// the queue is closed.
type boundedQueue struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	items    deque.Deque[Outbound]
	capacity int
	closed   bool
}

func newBoundedQueue(capacity int) *boundedQueue {
	q := &boundedQueue{capacity: capacity}
	q.notEmpty.L = &q.mu
	return q
}

// TryEnqueue appends out if the queue isn't full or closed. Returns false
// on either condition, in which case the caller owns the packet reference.
func (q *boundedQueue) TryEnqueue(out Outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.items.Len() >= q.capacity {
		return false
	}
	q.items.PushBack(out)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an item is available or the queue is closed and
// drained, in which case ok is false.
func (q *boundedQueue) Dequeue() (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.items.Len() == 0 {
		return Outbound{}, false
	}
	return q.items.PopFront(), true
}

// Close marks the queue closed and drains it, invoking drain on every
// still-queued item so the caller can release its packet reference.
func (q *boundedQueue) Close(drain func(Outbound)) {
	q.mu.Lock()
	q.closed = true
	remaining := make([]Outbound, 0, q.items.Len())
	for q.items.Len() > 0 {
		remaining = append(remaining, q.items.PopFront())
	}
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	for _, out := range remaining {
		drain(out)
	}
}

func (q *boundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
