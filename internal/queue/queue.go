// Package queue is the deduplicating FIFO work queue between snapshot
// discovery and the processing worker.
//
// Discovery has two producers (filesystem events and an interval poller)
// that routinely report the same file; the in-flight set makes double
// enqueues converge to a single dequeue. A path stays in the set from
// Enqueue until MarkDone, so re-discovery during processing is also a
// no-op.
package queue

import (
	"context"
	"sync"
)

// Q is the ingestion queue. Safe for concurrent producers; processing
// expects exactly one consumer.
type Q struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
	items    chan string
}

// New creates a queue with the given buffer capacity.
func New(capacity int) *Q {
	if capacity <= 0 {
		capacity = 256
	}
	return &Q{
		inFlight: make(map[string]struct{}),
		items:    make(chan string, capacity),
	}
}

// Enqueue adds a path unless it is already pending or in-flight, in which
// case it silently no-ops. Returns whether the path was accepted.
func (q *Q) Enqueue(path string) bool {
	q.mu.Lock()
	if _, dup := q.inFlight[path]; dup {
		q.mu.Unlock()
		return false
	}
	q.inFlight[path] = struct{}{}
	q.mu.Unlock()

	select {
	case q.items <- path:
		return true
	default:
		// Buffer full: drop and clear the mark so the poller can retry
		// on its next pass.
		q.mu.Lock()
		delete(q.inFlight, path)
		q.mu.Unlock()
		return false
	}
}

// Dequeue blocks until a path is available or ctx is done. On cancellation
// it returns "" and false.
func (q *Q) Dequeue(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case path := <-q.items:
		return path, true
	}
}

// MarkDone removes a path from the in-flight set after terminal success or
// permanent failure, allowing future re-enqueues.
func (q *Q) MarkDone(path string) {
	q.mu.Lock()
	delete(q.inFlight, path)
	q.mu.Unlock()
}

// InFlight reports whether a path is pending or being processed. Retention
// consults this so it never deletes a file the worker still references.
func (q *Q) InFlight(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[path]
	return ok
}

// Depth returns the number of queued (not yet dequeued) paths.
func (q *Q) Depth() int {
	return len(q.items)
}
