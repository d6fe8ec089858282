package transport

import (
	"context"
	"sync"
)

// queue is the receive side shared by every endpoint kind. Producers push,
// the owner pops, and watchers (pollers) get a coalesced wakeup on every
// change in readiness.
type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool // closed locally; nothing more will be delivered
	hungup   bool // the producer went away; drain, then ErrClosed
	ready    chan struct{}
	watchers map[chan struct{}]struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		ready:    make(chan struct{}, 1),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// notify must be called with q.mu held.
func (q *queue[T]) notify() {
	signal(q.ready)
	for w := range q.watchers {
		signal(w)
	}
}

func (q *queue[T]) push(x T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.hungup {
		return false
	}
	q.items = append(q.items, x)
	q.notify()
	return true
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// gone reports whether either side has finished with the queue.
func (q *queue[T]) gone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || q.hungup
}

func (q *queue[T]) Readable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0 || q.hungup
}

func (q *queue[T]) watch(c chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.watchers[c] = struct{}{}
	if len(q.items) > 0 || q.hungup {
		signal(c)
	}
}

func (q *queue[T]) unwatch(c chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.watchers, c)
}

func (q *queue[T]) hangup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hungup && !q.closed {
		q.hungup = true
		q.notify()
	}
}

// close drops anything still queued and returns it so the caller can
// dispose of it.
func (q *queue[T]) close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.closed = true
	q.notify()
	return items
}

// pop blocks until an item arrives, the queue is closed or hung up and
// drained, or ctx is done.
func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			x := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 {
				signal(q.ready)
			}
			q.mu.Unlock()
			return x, nil
		}
		if q.closed || q.hungup {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
