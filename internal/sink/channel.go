package sink

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/internal/stream"
)

// Channel delivers notifications to an in-process Go channel. Deliver blocks
// until the receiver takes the notification, the buffer has room, or ctx is
// done.
type Channel struct {
	mu     sync.RWMutex
	ch     chan stream.Notification
	closed bool
}

// NewChannel returns a Channel sink with the given buffer size.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan stream.Notification, max(buffer, 0))}
}

// Name returns "channel".
func (c *Channel) Name() string { return "channel" }

// C returns the receive side. It is closed by [Channel.Close].
func (c *Channel) C() <-chan stream.Notification { return c.ch }

// Deliver sends n on the channel.
func (c *Channel) Deliver(ctx context.Context, n stream.Notification) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSinkClosed
	}
	select {
	case c.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. A Deliver blocked on a full channel holds off
// Close until it completes or its context ends.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}
