package sink

import (
	"context"
	"sync"
	"sync/atomic"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// Channel buffers records in memory for an in-process consumer, such as an
// embedding application or a test. When the buffer is full the oldest
// record is evicted so producers never block.
type Channel struct {
	ch      chan Record
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewChannel returns a channel sink holding up to capacity records.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = 256
	}
	return &Channel{ch: make(chan Record, capacity)}
}

// Name implements Sink.
func (c *Channel) Name() string { return "channel" }

// Write enqueues the record, evicting the oldest when the buffer is full.
func (c *Channel) Write(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return gwerrors.WrapTransient(gwerrors.ErrShuttingDown, "Channel", "Write", "sink closed")
	}

	// The mutex serializes senders, so after one eviction the retry send
	// always lands.
	for {
		select {
		case c.ch <- rec:
			return nil
		default:
			select {
			case <-c.ch:
				c.dropped.Add(1)
			default:
			}
		}
	}
}

// Records exposes the consumer side of the buffer. The channel closes when
// the sink closes.
func (c *Channel) Records() <-chan Record {
	return c.ch
}

// Dropped reports how many records were evicted to make room.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Close closes the consumer channel. Safe to call more than once.
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
