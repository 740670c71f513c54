package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var errQueueClosed = errors.New("queue closed")

// fifo is an unbounded, or optionally bounded, FIFO safe for concurrent push
// and pop. A bounded fifo drops its oldest element to make room.
type fifo[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	limit  int
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newFIFO[T any](limit int) *fifo[T] {
	return &fifo[T]{
		items:  queue.New(),
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends v. It reports whether an old element was dropped to make room
// and fails once the fifo is closed.
func (f *fifo[T]) Push(v T) (dropped bool, err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false, errQueueClosed
	}
	if f.limit > 0 && f.items.Length() >= f.limit {
		f.items.Remove()
		dropped = true
	}
	f.items.Add(v)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// TryPop removes the oldest element without waiting.
func (f *fifo[T]) TryPop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items.Length() == 0 {
		var zero T
		return zero, false
	}
	return f.items.Remove().(T), true
}

// Pop waits for an element. It fails when ctx is done or when the fifo is
// closed and drained. Only one goroutine may wait in Pop at a time.
func (f *fifo[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := f.TryPop(); ok {
			return v, nil
		}
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			var zero T
			return zero, errQueueClosed
		}
		select {
		case <-f.notify:
		case <-f.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Close stops further pushes. With discard set, pending elements are dropped
// and their count returned; otherwise they remain poppable.
func (f *fifo[T]) Close(discard bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	if !discard {
		return 0
	}
	n := f.items.Length()
	for f.items.Length() > 0 {
		f.items.Remove()
	}
	return n
}

func (f *fifo[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Length()
}
