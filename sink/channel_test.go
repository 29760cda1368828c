package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

func TestChannel_DeliversInOrder(t *testing.T) {
	c := NewChannel(8)
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 3; i++ {
		rec := testRecord()
		rec.Key = fmt.Sprintf("m-%d", i)
		require.NoError(t, c.Write(context.Background(), rec))
	}

	for i := 0; i < 3; i++ {
		select {
		case rec := <-c.Records():
			assert.Equal(t, fmt.Sprintf("m-%d", i), rec.Key)
		case <-time.After(time.Second):
			t.Fatal("record not delivered")
		}
	}
}

func TestChannel_EvictsOldestWhenFull(t *testing.T) {
	c := NewChannel(2)
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 5; i++ {
		rec := testRecord()
		rec.Key = fmt.Sprintf("m-%d", i)
		require.NoError(t, c.Write(context.Background(), rec))
	}

	assert.Equal(t, int64(3), c.Dropped())

	first := <-c.Records()
	second := <-c.Records()
	assert.Equal(t, "m-3", first.Key)
	assert.Equal(t, "m-4", second.Key)
}

func TestChannel_CloseEndsConsumption(t *testing.T) {
	c := NewChannel(4)
	require.NoError(t, c.Write(context.Background(), testRecord()))
	require.NoError(t, c.Close())

	// Buffered record still drains, then the channel reports closed.
	_, ok := <-c.Records()
	assert.True(t, ok)
	_, ok = <-c.Records()
	assert.False(t, ok)

	err := c.Write(context.Background(), testRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerrors.ErrShuttingDown)

	assert.NoError(t, c.Close())
}

func TestChannel_DefaultCapacity(t *testing.T) {
	c := NewChannel(0)
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, 256, cap(c.ch))
}
