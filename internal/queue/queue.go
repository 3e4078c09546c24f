// Package queue is the bounded FIFO handoff between producers (watcher,
// recovery) and the worker pool (§4.2). It holds only small descriptors,
// never file bytes. A cancelled Enqueue or Dequeue leaves the buffered items
// untouched; a descriptor that never reaches a worker is reproduced from the
// filesystem — by the watcher's next scan of incoming/ or by the next
// recovery scan of .processing/.
package queue

import (
	"context"

	"ingestd/internal/model"
)

// Queue is a bounded, blocking FIFO of model.WorkItem values over a
// buffered channel — the idiomatic Go primitive for this shape; no
// channel-wrapper library in the reference stack fits a single bounded
// queue better than a plain chan.
type Queue struct {
	items chan model.WorkItem
}

// New creates a Queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{items: make(chan model.WorkItem, capacity)}
}

// Enqueue blocks until there is room in the queue or ctx is cancelled.
// Returns ctx.Err() on cancellation. Calling Enqueue after Close panics.
func (q *Queue) Enqueue(ctx context.Context, item model.WorkItem) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an item is available, ctx is cancelled, or the queue
// is closed (ok=false). Returns ctx.Err() on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (item model.WorkItem, ok bool, err error) {
	select {
	case item, ok = <-q.items:
		return item, ok, nil
	case <-ctx.Done():
		return model.WorkItem{}, false, ctx.Err()
	}
}

// Close signals no more items will be enqueued; draining consumers observe
// ok=false once buffered items are exhausted.
func (q *Queue) Close() {
	close(q.items)
}

// Len reports the number of items currently buffered, for the queue-depth
// gauge.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap reports the configured capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}
