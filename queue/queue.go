// Package queue provides the bounded store-and-forward buffer that holds
// encoded protocol messages while the broker session is down. Capacity is
// enforced by evicting the oldest entry, so a long outage costs the oldest
// telemetry rather than gateway memory. An optional JSONL journal persists
// the backlog across restarts; when the journal cannot be used the queue
// degrades to memory-only operation instead of failing the producer.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/health"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
)

// Message is one queued publish: an already-encoded payload plus the
// delivery attributes it needs on replay.
type Message struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	QoS        byte      `json:"qos"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Config controls queue capacity and durability.
type Config struct {
	// Capacity is the maximum number of buffered messages. Beyond it the
	// oldest message is evicted.
	Capacity int
	// Dir is the journal directory. Empty disables the journal and the
	// queue runs memory-only.
	Dir string
	// CompactEvery rewrites the journal after this many appends so the
	// file does not grow without bound under a long outage.
	CompactEvery int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.CompactEvery <= 0 {
		c.CompactEvery = 4 * c.Capacity
	}
	return c
}

// Deps carries the queue's collaborators.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
	// OnDrop is invoked after a message is evicted to make room. Called
	// outside the queue lock.
	OnDrop func(Message)
}

// Queue is a bounded FIFO with drop-oldest overflow and an optional journal.
// Enqueue never blocks the producer and never reports the queue as full.
type Queue struct {
	mu       sync.Mutex
	ring     *ring
	journal  *journal
	degraded bool
	closed   bool

	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	onDrop  func(Message)
}

// New builds the queue and, when a journal directory is configured, replays
// any backlog a previous run left behind. A journal that cannot be opened is
// logged and the queue starts memory-only; losing durability is preferred to
// refusing to start.
func New(cfg Config, deps Deps) (*Queue, error) {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue")

	q := &Queue{
		ring:    newRing(cfg.Capacity),
		cfg:     cfg,
		logger:  logger,
		metrics: deps.Metrics,
		onDrop:  deps.OnDrop,
	}

	if cfg.Dir == "" {
		logger.Info("journal disabled, running memory-only", "capacity", cfg.Capacity)
		return q, nil
	}

	j, recovered, corrupt, err := openJournal(cfg.Dir)
	if err != nil {
		logger.Error("journal unavailable, degrading to memory-only",
			"dir", cfg.Dir, "error", err)
		q.degraded = true
		return q, nil
	}
	q.journal = j

	if corrupt > 0 {
		logger.Warn("skipped corrupt journal records", "count", corrupt)
	}

	dropped := 0
	for _, m := range recovered {
		if _, didDrop := q.ring.pushBack(m); didDrop {
			dropped++
		}
	}
	if len(recovered) > 0 {
		logger.Info("recovered journaled backlog",
			"recovered", len(recovered), "evicted", dropped)
	}
	// Rewrite the journal to the surviving set so replayed-and-evicted
	// records do not resurface on the next restart.
	if dropped > 0 || corrupt > 0 {
		if err := q.journal.compact(q.ring.snapshot()); err != nil {
			q.degradeLocked(err)
		}
	}
	q.publishDepth()
	return q, nil
}

// Enqueue buffers a message for later replay. A full queue evicts its oldest
// entry; the caller is never blocked and never sees an overflow error. The
// only error is enqueueing on a closed queue.
func (q *Queue) Enqueue(m Message) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}

	dropped, didDrop := q.ring.pushBack(m)
	if q.journal != nil {
		if err := q.journal.append(m); err != nil {
			q.degradeLocked(err)
		} else if q.journal.appends >= q.cfg.CompactEvery {
			if err := q.journal.compact(q.ring.snapshot()); err != nil {
				q.degradeLocked(err)
			}
		}
	}
	depth := q.ring.len()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetQueueDepth(depth)
		if didDrop {
			q.metrics.RecordQueueDrop()
		}
	}
	if didDrop {
		q.logger.Debug("evicted oldest queued message",
			"topic", dropped.Topic, "age", time.Since(dropped.EnqueuedAt))
		if q.onDrop != nil {
			q.onDrop(dropped)
		}
	}
	return nil
}

// DrainAndReplay sends every queued message through publish in strict
// enqueue order. On a publish failure the message is returned to the front
// of the queue and the drain halts so order is preserved for the next
// attempt. Returns the number of messages successfully replayed.
func (q *Queue) DrainAndReplay(ctx context.Context, publish func(Message) error) (int, error) {
	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			q.compactAfterDrain()
			return replayed, errors.WrapTransient(err, "queue", "DrainAndReplay", "replay interrupted")
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return replayed, errors.ErrQueueClosed
		}
		m, ok := q.ring.popFront()
		q.mu.Unlock()
		if !ok {
			q.compactAfterDrain()
			q.publishDepth()
			return replayed, nil
		}

		if err := publish(m); err != nil {
			q.mu.Lock()
			if !q.closed {
				q.ring.pushFront(m)
			}
			q.mu.Unlock()
			q.compactAfterDrain()
			q.publishDepth()
			return replayed, errors.WrapTransient(err, "queue", "DrainAndReplay", "replay publish")
		}

		replayed++
		if q.metrics != nil {
			q.metrics.RecordQueueReplay()
		}
	}
}

// Depth reports the number of buffered messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.len()
}

// Durable reports whether the journal is active. False means memory-only,
// either by configuration or after a journal failure.
func (q *Queue) Durable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.journal != nil
}

// Health reports the queue state. A lost journal reads degraded because the
// backlog no longer survives a restart; a full ring reads degraded because
// every new frame now costs the oldest one.
func (q *Queue) Health() health.Status {
	q.mu.Lock()
	depth := q.ring.len()
	closed := q.closed
	degraded := q.degraded
	durable := q.journal != nil
	q.mu.Unlock()

	msg := fmt.Sprintf("%d/%d buffered, durable=%t", depth, q.cfg.Capacity, durable)
	switch {
	case closed:
		return health.NewUnhealthy("queue", "closed")
	case degraded:
		return health.NewDegraded("queue", "journal lost, running memory-only: "+msg)
	case depth >= q.cfg.Capacity:
		return health.NewDegraded("queue", "at capacity, evicting oldest: "+msg)
	default:
		return health.NewHealthy("queue", msg)
	}
}

// Close persists the current backlog and releases the journal. Further
// enqueues fail with ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	if q.journal == nil {
		return nil
	}
	// Final compaction records exactly the surviving backlog for the next
	// start, dropping already-replayed entries from the file.
	if err := q.journal.compact(q.ring.snapshot()); err != nil {
		q.journal.close()
		q.journal = nil
		return err
	}
	err := q.journal.close()
	q.journal = nil
	return err
}

// degradeLocked drops the journal after an I/O failure and continues
// memory-only. Callers must hold q.mu.
func (q *Queue) degradeLocked(err error) {
	q.logger.Error("journal failure, degrading to memory-only",
		"error", fmt.Errorf("%w: %w", errors.ErrJournalUnavailable, err))
	if q.journal != nil {
		q.journal.close()
		q.journal = nil
	}
	q.degraded = true
}

// compactAfterDrain trims replayed entries from the journal once a drain
// pass finishes, successfully or not.
func (q *Queue) compactAfterDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.journal == nil || q.closed {
		return
	}
	if err := q.journal.compact(q.ring.snapshot()); err != nil {
		q.degradeLocked(err)
	}
}

func (q *Queue) publishDepth() {
	if q.metrics == nil {
		return
	}
	q.metrics.SetQueueDepth(q.Depth())
}
