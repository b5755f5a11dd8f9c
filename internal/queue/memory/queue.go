// Package memory provides the bounded in-process work queue shared by every
// crawl stage.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// ErrClosed is returned when operating on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan harvest.CrawlTarget
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan harvest.CrawlTarget, capacity),
	}
}

// Enqueue pushes a target into the queue, blocking until space frees up or
// the context ends.
func (q *Queue) Enqueue(ctx context.Context, target harvest.CrawlTarget) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- target:
		return nil
	}
}

// TryEnqueue pushes a target without blocking. It reports false when the
// queue is full or closed.
func (q *Queue) TryEnqueue(target harvest.CrawlTarget) bool {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- target:
		return true
	default:
		return false
	}
}

// Dequeue pops the next target, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.CrawlTarget, error) {
	select {
	case <-ctx.Done():
		return harvest.CrawlTarget{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case target, ok := <-q.ch:
		if !ok {
			return harvest.CrawlTarget{}, ErrClosed
		}
		return target, nil
	}
}

// Len returns the number of buffered targets.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close closes the underlying channel for shutdown. Buffered targets can
// still be drained.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
