package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrChannelStopped is returned by Push and Next once Stop has been
// called and the queue is drained.
var ErrChannelStopped = errors.New("message channel stopped")

// QueuedMessage is one pending outbound turn. It is consumed exactly
// once and never re-delivered.
type QueuedMessage struct {
	Content    string
	EnqueuedAt time.Time
}

// MessageChannel bridges push-based callers to the single pull-based
// consumer that feeds the agent's stdin. Push never blocks; a consumer
// waiting on an empty queue is woken immediately, which keeps FIFO
// order with waiters treated as a zero-length queue.
//
// Only one consumer may run Next at a time; concurrent consumers are a
// caller error.
type MessageChannel struct {
	mu      sync.Mutex
	queue   []QueuedMessage
	stopped bool

	wake chan struct{} // capacity 1, collapses redundant wakeups
	stop chan struct{}
}

// NewMessageChannel creates an empty, running channel.
func NewMessageChannel() *MessageChannel {
	return &MessageChannel{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Push enqueues a message. It never blocks and fails only after Stop.
func (c *MessageChannel) Push(content string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrChannelStopped
	}
	c.queue = append(c.queue, QueuedMessage{Content: content, EnqueuedAt: time.Now().UTC()})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next returns the oldest queued message, suspending while the queue is
// empty. It returns ErrChannelStopped once the channel is stopped and
// drained, or the context error if ctx ends first.
func (c *MessageChannel) Next(ctx context.Context) (QueuedMessage, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, nil
		}
		stopped := c.stopped
		c.mu.Unlock()

		if stopped {
			return QueuedMessage{}, ErrChannelStopped
		}

		select {
		case <-c.wake:
		case <-c.stop:
		case <-ctx.Done():
			return QueuedMessage{}, ctx.Err()
		}
	}
}

// Len reports the number of queued messages.
func (c *MessageChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Stop marks the channel stopped. Queued messages already accepted are
// still delivered; the consumer terminates once the queue is empty.
func (c *MessageChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stop)
	}
}
