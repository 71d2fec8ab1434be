// Package buffer implements the bounded FIFO message buffer sitting between
// ingress and storage.
//
// The buffer applies backpressure by rejecting new messages when full rather
// than evicting old ones. Fullness is an expected, observable condition, not
// an error. A level-triggered "has data" signal lets a single drain worker
// (or a small fixed pool) block with a timeout without losing wakeups.
package buffer

import (
	"sync"
	"time"

	"github.com/xtxerr/telemetryd/internal/telemetry"
)

// Buffer is a fixed-capacity FIFO queue of pending messages.
// All mutation happens under one mutex; the hasData channel carries the
// level-triggered signal and holds at most one token.
type Buffer struct {
	mu       sync.Mutex
	data     []telemetry.Message
	head     int64 // next write position
	tail     int64 // oldest message position
	count    int64
	capacity int64
	dropped  int64

	hasData chan struct{}
}

// New creates a buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{
		data:     make([]telemetry.Message, capacity),
		capacity: int64(capacity),
		hasData:  make(chan struct{}, 1),
	}
}

// Push appends a message to the tail of the queue.
// Returns false if the buffer is full; the message is dropped (not the
// oldest evicted) and the dropped counter is incremented.
func (b *Buffer) Push(msg telemetry.Message) bool {
	b.mu.Lock()
	if b.count >= b.capacity {
		b.dropped++
		b.mu.Unlock()
		return false
	}

	b.data[b.head%b.capacity] = msg
	b.head++
	b.count++
	b.mu.Unlock()

	b.signal()
	return true
}

// Drain blocks until at least one message is available or wait elapses,
// then removes and returns up to maxBatch messages in FIFO order.
// Returns an empty batch on timeout with nothing buffered. Producers are
// never blocked by a waiting drainer; the lock is only held while moving
// messages out.
func (b *Buffer) Drain(maxBatch int, wait time.Duration) []telemetry.Message {
	if maxBatch <= 0 {
		return nil
	}

	deadline := time.Now().Add(wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if batch := b.take(maxBatch); len(batch) > 0 {
			return batch
		}

		if !time.Now().Before(deadline) {
			return nil
		}

		select {
		case <-b.hasData:
			// Signal is level-triggered: re-check emptiness under the
			// lock on the next loop iteration. A racing drainer may have
			// taken the messages already.
		case <-timer.C:
			// One more locked check before giving up, in case a push
			// landed between the last check and the timeout.
			if batch := b.take(maxBatch); len(batch) > 0 {
				return batch
			}
			return nil
		}
	}
}

// take removes up to n messages under the lock. If messages remain after
// the removal, the signal is re-armed so no waiter misses them.
func (b *Buffer) take(n int) []telemetry.Message {
	b.mu.Lock()

	if b.count == 0 {
		b.mu.Unlock()
		return nil
	}

	take := int64(n)
	if take > b.count {
		take = b.count
	}

	batch := make([]telemetry.Message, take)
	for i := int64(0); i < take; i++ {
		idx := (b.tail + i) % b.capacity
		batch[i] = b.data[idx]
		b.data[idx] = telemetry.Message{} // release for GC
	}
	b.tail += take
	b.count -= take
	remaining := b.count
	b.mu.Unlock()

	if remaining > 0 {
		b.signal()
	}
	return batch
}

// Flush removes and returns all buffered messages unconditionally.
// Used on shutdown for the final best-effort store.
func (b *Buffer) Flush() []telemetry.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]telemetry.Message, 0, b.count)
	for b.count > 0 {
		idx := b.tail % b.capacity
		out = append(out, b.data[idx])
		b.data[idx] = telemetry.Message{}
		b.tail++
		b.count--
	}

	// Drop any stale signal token; the queue is now empty.
	select {
	case <-b.hasData:
	default:
	}

	return out
}

// signal arms the has-data token without blocking. A token already
// pending is equivalent; the signal is a level, not an edge.
func (b *Buffer) signal() {
	select {
	case b.hasData <- struct{}{}:
	default:
	}
}

// Len returns the current number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.count)
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return int(b.capacity)
}

// IsEmpty reports whether the buffer holds no messages.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == 0
}

// IsFull reports whether the buffer is at capacity.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count >= b.capacity
}

// UsagePercent returns the fill level as a percentage (0-100).
func (b *Buffer) UsagePercent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.count) / float64(b.capacity) * 100
}

// DroppedCount returns the number of messages rejected because the
// buffer was full. The counter is monotonic non-decreasing.
func (b *Buffer) DroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
