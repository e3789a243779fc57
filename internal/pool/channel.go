package pool

import (
	"context"
	"sync"
)

// MessageChannel is a push-based, closeable, single-consumer sequence of
// text units feeding a slot's streaming session. Push after close is a
// silent no-op, and closing discards any queued-but-unconsumed units so a
// full queue is abandoned on teardown rather than drained.
//
// Exactly one outstanding Next call is supported; the pool never calls
// Next concurrently on the same channel.
type MessageChannel struct {
	mu     sync.Mutex
	queue  []string
	waiter chan string
	closed bool
}

// NewMessageChannel creates an open, empty channel.
func NewMessageChannel() *MessageChannel {
	return &MessageChannel{}
}

// Push enqueues one unit. If the channel has been closed, Push is a no-op;
// this prevents use-after-close races when a late request lands on a slot
// that was just torn down.
func (c *MessageChannel) Push(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.waiter != nil {
		w := c.waiter
		c.waiter = nil
		w <- text
		return
	}
	c.queue = append(c.queue, text)
}

// Next returns the oldest unconsumed unit, suspending until one is pushed.
// It returns ok=false once the channel is closed (queued units at close time
// are discarded, not delivered) or the context is cancelled.
func (c *MessageChannel) Next(ctx context.Context) (string, bool) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		text := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return text, true
	}
	if c.closed {
		c.mu.Unlock()
		return "", false
	}
	w := make(chan string, 1)
	c.waiter = w
	c.mu.Unlock()

	select {
	case text, ok := <-w:
		if !ok {
			return "", false
		}
		return text, true
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
		}
		c.mu.Unlock()
		// A push may have raced the cancellation; deliver it if so.
		select {
		case text, ok := <-w:
			if ok {
				return text, true
			}
		default:
		}
		return "", false
	}
}

// Close marks the channel closed, clears the queue, and wakes a suspended
// Next with "no further units". Idempotent.
func (c *MessageChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	if c.waiter != nil {
		close(c.waiter)
		c.waiter = nil
	}
}

// Closed reports whether Close has been called.
func (c *MessageChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of queued, unconsumed units.
func (c *MessageChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
