package queue

// ring is a fixed-capacity FIFO of queued messages. It is not safe for
// concurrent use; Queue owns the lock so enqueue and journal writes stay
// atomic with respect to each other.
type ring struct {
	items    []Message
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{items: make([]Message, capacity), capacity: capacity}
}

// pushBack appends a message. When the ring is full the oldest entry is
// evicted to make room and returned; the producer is never blocked and never
// refused.
func (r *ring) pushBack(m Message) (dropped Message, didDrop bool) {
	if r.size == r.capacity {
		dropped = r.items[r.tail]
		didDrop = true
		r.items[r.tail] = Message{}
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}

	r.items[r.head] = m
	r.head = (r.head + 1) % r.capacity
	r.size++
	return dropped, didDrop
}

// pushFront reinserts a message at the head of the FIFO. Replay uses this
// when a send fails so the message keeps its place in line. A full ring
// evicts its newest entry instead of the oldest: the front message is by
// definition the oldest and must survive.
func (r *ring) pushFront(m Message) (dropped Message, didDrop bool) {
	if r.size == r.capacity {
		r.head = (r.head - 1 + r.capacity) % r.capacity
		dropped = r.items[r.head]
		didDrop = true
		r.items[r.head] = Message{}
		r.size--
	}

	r.tail = (r.tail - 1 + r.capacity) % r.capacity
	r.items[r.tail] = m
	r.size++
	return dropped, didDrop
}

// popFront removes and returns the oldest message.
func (r *ring) popFront() (Message, bool) {
	if r.size == 0 {
		return Message{}, false
	}
	m := r.items[r.tail]
	r.items[r.tail] = Message{}
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return m, true
}

func (r *ring) len() int { return r.size }

// snapshot returns the queued messages in FIFO order. Used by journal
// compaction; the copy keeps the journal write independent of later ring
// mutation.
func (r *ring) snapshot() []Message {
	out := make([]Message, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}
	return out
}
