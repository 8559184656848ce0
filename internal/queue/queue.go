// Package queue provides the FIFOs that connect the listener, the processor
// and whoever drains results.
//
// A Queue has exactly one producer and one consumer. The split is explicit:
// the producer holds a Sender, the consumer a Receiver. Order is strictly
// preserved and nothing is dropped or deduplicated.
package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Push on a bounded queue that has reached capacity.
var ErrFull = errors.New("queue: full")

// Queue is a mutex-protected FIFO, unbounded when capacity is 0.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	ready    chan struct{}
}

// New creates a queue. capacity <= 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Sender returns the producer handle.
func (q *Queue[T]) Sender() Sender[T] { return Sender[T]{q: q} }

// Receiver returns the consumer handle.
func (q *Queue[T]) Receiver() Receiver[T] { return Receiver[T]{q: q} }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue[T]) push(v T) error {
	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrFull
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Sender is the single producer side of a Queue.
type Sender[T any] struct{ q *Queue[T] }

// Push appends v to the tail.
func (s Sender[T]) Push(v T) error { return s.q.push(v) }

// Receiver is the single consumer side of a Queue.
type Receiver[T any] struct{ q *Queue[T] }

// Pop removes the head item without blocking.
func (r Receiver[T]) Pop() (T, bool) { return r.q.pop() }

// PopWait removes the head item, waiting up to timeout for one to arrive.
func (r Receiver[T]) PopWait(timeout time.Duration) (T, bool) {
	if v, ok := r.q.pop(); ok {
		return v, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-r.q.ready:
			if v, ok := r.q.pop(); ok {
				return v, true
			}
		case <-timer.C:
			return r.q.pop()
		}
	}
}

// Drain removes items according to sel and returns them in FIFO order.
// It never blocks; an empty queue yields an empty slice.
func (r Receiver[T]) Drain(sel Selector) []T {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	var out []T
	switch sel.Mode {
	case First:
		k := min(sel.N, n)
		if k <= 0 {
			return []T{}
		}
		out = append([]T(nil), q.items[:k]...)
		rest := append([]T(nil), q.items[k:]...)
		q.items = rest
	case Last:
		k := min(sel.N, n)
		if k <= 0 {
			q.items = nil
			return []T{}
		}
		out = append([]T(nil), q.items[n-k:]...)
		q.items = nil
	default:
		out = q.items
		q.items = nil
	}
	if out == nil {
		out = []T{}
	}
	return out
}

// Len returns the number of items waiting for this receiver.
func (r Receiver[T]) Len() int { return r.q.Len() }

// Mode selects which queued items Drain returns.
type Mode int

const (
	// All drains the whole queue.
	All Mode = iota
	// First drains the N oldest items and keeps the rest queued.
	First
	// Last returns the N newest items and discards the older backlog.
	Last
)

// Selector pairs a Mode with a count.
type Selector struct {
	Mode Mode
	N    int
}

// AllItems selects everything.
func AllItems() Selector { return Selector{Mode: All} }

// FirstN selects the n oldest items.
func FirstN(n int) Selector { return Selector{Mode: First, N: n} }

// LastN selects the n newest items.
func LastN(n int) Selector { return Selector{Mode: Last, N: n} }

// ParseMode maps "all", "first" and "last" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "all":
		return All, nil
	case "first":
		return First, nil
	case "last":
		return Last, nil
	default:
		return All, errors.New("queue: unknown drain mode " + s)
	}
}
