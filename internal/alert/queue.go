package alert

import (
	"sync"
	"sync/atomic"

	"pumpwatch/internal/config"
)

// Queue is a bounded multi-producer, single-consumer queue. Publish never blocks:
// on overflow it drops either the oldest queued item or the new one, as chosen
// at construction.
type Queue[T any] struct {
	ch         chan T
	dropOldest bool
	onDrop     func()

	mu      sync.Mutex
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most size items. policy is one of
// config.OverflowDropOldest or config.OverflowDropNew.
func NewQueue[T any](size int, policy string, onDrop func()) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{
		ch:         make(chan T, size),
		dropOldest: policy != config.OverflowDropNew,
		onDrop:     onDrop,
	}
}

// Publish enqueues item and reports whether nothing had to be dropped.
func (q *Queue[T]) Publish(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- item:
		return true
	default:
	}

	if !q.dropOldest {
		q.drop()
		return false
	}
	select {
	case <-q.ch:
		q.drop()
	default:
	}
	select {
	case q.ch <- item:
	default:
		q.drop()
	}
	return false
}

func (q *Queue[T]) drop() {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
}

// C is the consumer side. Only one goroutine should read it.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Dropped returns how many items were discarded on overflow.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}
