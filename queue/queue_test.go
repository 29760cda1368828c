package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

func testMessage(i int) Message {
	return Message{
		Topic:      "spBv1.0/plant-a/NDATA/press-01",
		Payload:    []byte(fmt.Sprintf("payload-%d", i)),
		QoS:        1,
		EnqueuedAt: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
	}
}

func drainAll(t *testing.T, q *Queue) []Message {
	t.Helper()
	var out []Message
	_, err := q.DrainAndReplay(context.Background(), func(m Message) error {
		out = append(out, m)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestQueueFIFOOrder(t *testing.T) {
	q, err := New(Config{Capacity: 10}, Deps{})
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}
	assert.Equal(t, 5, q.Depth())

	out := drainAll(t, q)
	require.Len(t, out, 5)
	for i, m := range out {
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(m.Payload))
	}
	assert.Equal(t, 0, q.Depth())
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	var dropped []Message
	q, err := New(Config{Capacity: 3}, Deps{
		OnDrop: func(m Message) { dropped = append(dropped, m) },
	})
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}

	assert.Equal(t, 3, q.Depth())
	require.Len(t, dropped, 2)
	assert.Equal(t, "payload-0", string(dropped[0].Payload))
	assert.Equal(t, "payload-1", string(dropped[1].Payload))

	out := drainAll(t, q)
	require.Len(t, out, 3)
	assert.Equal(t, "payload-2", string(out[0].Payload))
	assert.Equal(t, "payload-4", string(out[2].Payload))
}

func TestQueueReplayHaltsOnPublishFailure(t *testing.T) {
	q, err := New(Config{Capacity: 10}, Deps{})
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}

	calls := 0
	replayed, err := q.DrainAndReplay(context.Background(), func(m Message) error {
		calls++
		if calls == 3 {
			return fmt.Errorf("broker went away")
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsTransient(err))
	assert.Equal(t, 2, replayed)
	// The failed message went back to the front; nothing was skipped.
	assert.Equal(t, 2, q.Depth())

	out := drainAll(t, q)
	require.Len(t, out, 2)
	assert.Equal(t, "payload-2", string(out[0].Payload))
	assert.Equal(t, "payload-3", string(out[1].Payload))
}

func TestQueueReplayStopsOnContextCancel(t *testing.T) {
	q, err := New(Config{Capacity: 10}, Deps{})
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	replayed, err := q.DrainAndReplay(ctx, func(Message) error { return nil })
	require.Error(t, err)
	assert.Equal(t, 0, replayed)
	assert.Equal(t, 3, q.Depth())
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	q, err := New(Config{Capacity: 4}, Deps{})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	err = q.Enqueue(testMessage(0))
	assert.ErrorIs(t, err, gwerrors.ErrQueueClosed)
}

func TestQueueJournalRecovery(t *testing.T) {
	dir := t.TempDir()

	q, err := New(Config{Capacity: 10, Dir: dir}, Deps{})
	require.NoError(t, err)
	assert.True(t, q.Durable())
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}
	require.NoError(t, q.Close())

	q2, err := New(Config{Capacity: 10, Dir: dir}, Deps{})
	require.NoError(t, err)
	defer q2.Close()

	assert.Equal(t, 3, q2.Depth())
	out := drainAll(t, q2)
	require.Len(t, out, 3)
	assert.Equal(t, "payload-0", string(out[0].Payload))
	assert.Equal(t, []byte("payload-2"), out[2].Payload)
	assert.Equal(t, testMessage(1).EnqueuedAt, out[1].EnqueuedAt)
}

func TestQueueJournalSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()

	q, err := New(Config{Capacity: 10, Dir: dir}, Deps{})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(testMessage(0)))
	require.NoError(t, q.Enqueue(testMessage(1)))
	require.NoError(t, q.Close())

	path := filepath.Join(dir, journalFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	q2, err := New(Config{Capacity: 10, Dir: dir}, Deps{})
	require.NoError(t, err)
	defer q2.Close()

	assert.Equal(t, 2, q2.Depth())
}

func TestQueueDrainCompactsJournal(t *testing.T) {
	dir := t.TempDir()

	q, err := New(Config{Capacity: 10, Dir: dir}, Deps{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}
	drainAll(t, q)
	require.NoError(t, q.Close())

	data, err := os.ReadFile(filepath.Join(dir, journalFileName))
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(data)))
}

func TestQueueCompactionBoundsJournalGrowth(t *testing.T) {
	dir := t.TempDir()

	q, err := New(Config{Capacity: 4, Dir: dir, CompactEvery: 8}, Deps{})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}
	require.NoError(t, q.Close())

	data, err := os.ReadFile(filepath.Join(dir, journalFileName))
	require.NoError(t, err)
	lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1
	assert.LessOrEqual(t, lines, 4, "journal should hold at most the live backlog after close")
}

func TestQueueMemoryOnlyWithoutDir(t *testing.T) {
	q, err := New(Config{Capacity: 4}, Deps{})
	require.NoError(t, err)
	defer q.Close()

	assert.False(t, q.Durable())
	require.NoError(t, q.Enqueue(testMessage(0)))
	assert.Equal(t, 1, q.Depth())
}

func TestQueueDegradesWhenJournalDirUnusable(t *testing.T) {
	dir := t.TempDir()
	// A file where the journal directory should be forces the open to fail.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o640))

	q, err := New(Config{Capacity: 4, Dir: blocked}, Deps{})
	require.NoError(t, err)
	defer q.Close()

	assert.False(t, q.Durable())
	// Still fully usable in memory.
	require.NoError(t, q.Enqueue(testMessage(0)))
	out := drainAll(t, q)
	assert.Len(t, out, 1)
}

func TestQueueRecoveryRespectsCapacity(t *testing.T) {
	dir := t.TempDir()

	q, err := New(Config{Capacity: 10, Dir: dir}, Deps{})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(testMessage(i)))
	}
	require.NoError(t, q.Close())

	// Restart with a smaller bound: the oldest records are evicted on load.
	q2, err := New(Config{Capacity: 3, Dir: dir}, Deps{})
	require.NoError(t, err)
	defer q2.Close()

	assert.Equal(t, 3, q2.Depth())
	out := drainAll(t, q2)
	require.Len(t, out, 3)
	assert.Equal(t, "payload-3", string(out[0].Payload))
	assert.Equal(t, "payload-5", string(out[2].Payload))
}

func TestQueueHealth(t *testing.T) {
	dir := t.TempDir()
	q, err := New(Config{Capacity: 2, Dir: dir}, Deps{})
	require.NoError(t, err)

	st := q.Health()
	assert.True(t, st.Healthy)
	assert.Equal(t, "queue", st.Component)
	assert.Contains(t, st.Message, "durable=true")

	// Filling the ring reads degraded: the next enqueue evicts.
	require.NoError(t, q.Enqueue(testMessage(0)))
	require.NoError(t, q.Enqueue(testMessage(1)))
	st = q.Health()
	assert.False(t, st.Healthy)
	assert.Equal(t, "degraded", st.Status)
	assert.Contains(t, st.Message, "at capacity")

	require.NoError(t, q.Close())
	st = q.Health()
	assert.Equal(t, "unhealthy", st.Status)
}
