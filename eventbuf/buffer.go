// Package eventbuf provides the bounded hand-off between hook callbacks and
// the single consumer goroutine.
//
// Producers never block: when the buffer is full the oldest queued item is
// discarded to make room, so a slow consumer loses history rather than
// stalling the traced process. Items are delivered once, in push order.
package eventbuf

import (
	"context"
	"sync/atomic"
)

// Stats is a point-in-time view of buffer counters.
type Stats struct {
	Capacity int    `json:"capacity"`
	Queued   int    `json:"queued"`
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
}

// Buffer is a fixed-capacity multi-producer, single-consumer queue.
type Buffer[T any] struct {
	ch      chan T
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a buffer holding at most capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v without blocking. If the buffer is full the oldest item
// is dropped first. It returns false only when v itself could not be queued,
// which happens if concurrent producers refilled the slot that was freed.
func (b *Buffer[T]) TryPush(v T) bool {
	select {
	case b.ch <- v:
		b.pushed.Add(1)
		return true
	default:
	}

	// Full: evict the oldest item and retry once
	select {
	case <-b.ch:
		b.dropped.Add(1)
	default:
	}

	select {
	case b.ch <- v:
		b.pushed.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Drain blocks until at least one item is queued or ctx is done, then appends
// every queued item to out without further blocking.
//
// When ctx is done Drain still returns whatever is queued at that moment,
// together with ctx.Err(), so committed items are never lost on shutdown.
func (b *Buffer[T]) Drain(ctx context.Context, out []T) ([]T, error) {
	select {
	case v := <-b.ch:
		out = append(out, v)
	case <-ctx.Done():
		return b.drainQueued(out), ctx.Err()
	}
	return b.drainQueued(out), nil
}

func (b *Buffer[T]) drainQueued(out []T) []T {
	for {
		select {
		case v := <-b.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	return len(b.ch)
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return cap(b.ch)
}

// Dropped returns the number of items lost to overflow so far.
func (b *Buffer[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Stats returns the current counters.
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Capacity: cap(b.ch),
		Queued:   len(b.ch),
		Pushed:   b.pushed.Load(),
		Dropped:  b.dropped.Load(),
	}
}
