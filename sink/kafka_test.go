package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

func TestKafkaConfig_Validate(t *testing.T) {
	assert.Error(t, KafkaConfig{}.Validate())
	assert.NoError(t, KafkaConfig{Brokers: []string{"localhost:9092"}}.Validate())
}

func TestKafkaConfig_Defaults(t *testing.T) {
	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}}.withDefaults()

	assert.Equal(t, "edge.telemetry", cfg.TelemetryTopic)
	assert.Equal(t, "edge.events", cfg.EventsTopic)
	assert.Equal(t, 100*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
}

func TestNewKafka_RejectsInvalidConfig(t *testing.T) {
	_, err := NewKafka(KafkaConfig{}, nil)
	require.Error(t, err)
	assert.True(t, gwerrors.IsInvalid(err))
}

func TestKafka_TopicPerStream(t *testing.T) {
	k, err := NewKafka(KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		TelemetryTopic: "plant-a.telemetry",
		EventsTopic:    "plant-a.events",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	assert.Equal(t, "kafka", k.Name())
	assert.Equal(t, "plant-a.telemetry", k.Topic(StreamTelemetry))
	assert.Equal(t, "plant-a.events", k.Topic(StreamEvents))
	assert.Empty(t, k.Topic(Stream("bogus")))
}

func TestKafka_RejectsUnknownStream(t *testing.T) {
	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	rec := testRecord()
	rec.Stream = Stream("bogus")

	err = k.Write(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, gwerrors.IsInvalid(err))
}

// Writers dial lazily, so broker failures surface on Write, bounded by the
// configured write timeout rather than hanging the pipeline.
func TestKafka_UnreachableBrokerFailsWithinTimeout(t *testing.T) {
	k, err := NewKafka(KafkaConfig{
		Brokers:      []string{"127.0.0.1:1"},
		WriteTimeout: 200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	start := time.Now()
	err = k.Write(context.Background(), testRecord())
	require.Error(t, err)
	assert.True(t, gwerrors.IsTransient(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestKafka_CloseUnusedWritersIsClean(t *testing.T) {
	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)

	assert.NoError(t, k.Close())
}
