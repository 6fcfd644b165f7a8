// Package flowcontrol implements the producer-side admission control: a
// bound on in-flight message count and a separate bound on in-flight
// uncompressed byte size, either of which can block or reject a new Send
// depending on BlockIfQueueFull.
package flowcontrol

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter admits new sends against two independent weighted resources:
// message-count slots and byte-size budget. Both are backed by
// golang.org/x/sync/semaphore.Weighted, the same primitive the wider
// example corpus uses for admission control (see DESIGN.md).
type Limiter struct {
	queue  *semaphore.Weighted
	memory *semaphore.Weighted

	maxQueue  int64
	maxMemory int64
}

// New constructs a Limiter. maxMemory of 0 disables the byte-size bound;
// the memory-limit controller is optional.
func New(maxQueue, maxMemory int64) *Limiter {
	l := &Limiter{
		queue:    semaphore.NewWeighted(maxQueue),
		maxQueue: maxQueue,
	}
	if maxMemory > 0 {
		l.memory = semaphore.NewWeighted(maxMemory)
		l.maxMemory = maxMemory
	}
	return l
}

// TryAcquire attempts to reserve one queue slot and size bytes of memory
// budget without blocking. It returns false immediately if either
// resource is exhausted, for the BlockIfQueueFull=false / immediate
// ProducerQueueIsFull path.
func (l *Limiter) TryAcquire(size int64) bool {
	if !l.queue.TryAcquire(1) {
		return false
	}
	if l.memory != nil && !l.memory.TryAcquire(size) {
		l.queue.Release(1)
		return false
	}
	return true
}

// Acquire blocks until both resources are available or ctx is canceled,
// for the BlockIfQueueFull=true path.
func (l *Limiter) Acquire(ctx context.Context, size int64) error {
	if err := l.queue.Acquire(ctx, 1); err != nil {
		return err
	}
	if l.memory != nil {
		if err := l.memory.Acquire(ctx, size); err != nil {
			l.queue.Release(1)
			return err
		}
	}
	return nil
}

// Release gives back one queue slot and size bytes of memory budget,
// called once the corresponding send has been acknowledged or has failed
// terminally.
func (l *Limiter) Release(size int64) {
	l.queue.Release(1)
	if l.memory != nil {
		l.memory.Release(size)
	}
}

// MaxQueue and MaxMemory report the configured bounds, mainly for metrics
// gauges (free-capacity = bound - in-flight is not tracked separately;
// callers that need a gauge should track in-flight themselves alongside
// Acquire/Release calls).
func (l *Limiter) MaxQueue() int64  { return l.maxQueue }
func (l *Limiter) MaxMemory() int64 { return l.maxMemory }
