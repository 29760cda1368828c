package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	// Brokers lists bootstrap addresses, e.g. ["kafka-1:9092"].
	Brokers []string
	// TelemetryTopic receives metric records.
	TelemetryTopic string
	// EventsTopic receives OEE and fault records.
	EventsTopic string
	// BatchTimeout flushes partial batches after this delay.
	BatchTimeout time.Duration
	// WriteTimeout bounds a single WriteMessages call on top of the
	// caller's context.
	WriteTimeout time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.TelemetryTopic == "" {
		c.TelemetryTopic = "edge.telemetry"
	}
	if c.EventsTopic == "" {
		c.EventsTopic = "edge.events"
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Validate checks the configuration for errors.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return gwerrors.WrapInvalid(gwerrors.ErrMissingConfig, "KafkaConfig", "Validate", "at least one broker is required")
	}
	return nil
}

// Kafka publishes records to one topic per stream. Records are keyed by
// Record.Key so all samples from one machine land on one partition and
// stay ordered.
type Kafka struct {
	cfg     KafkaConfig
	writers map[Stream]*kafka.Writer
	logger  *slog.Logger
}

// NewKafka builds the sink. Writers dial lazily on first write.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: cfg.BatchTimeout,
			Async:        false,
		}
	}

	return &Kafka{
		cfg: cfg,
		writers: map[Stream]*kafka.Writer{
			StreamTelemetry: newWriter(cfg.TelemetryTopic),
			StreamEvents:    newWriter(cfg.EventsTopic),
		},
		logger: logger.With("component", "kafka-sink"),
	}, nil
}

// Name implements Sink.
func (k *Kafka) Name() string { return "kafka" }

// Topic reports the topic a stream publishes to.
func (k *Kafka) Topic(stream Stream) string {
	if w, ok := k.writers[stream]; ok {
		return w.Topic
	}
	return ""
}

// Write delivers the record to its stream topic.
func (k *Kafka) Write(ctx context.Context, rec Record) error {
	w, ok := k.writers[rec.Stream]
	if !ok {
		return gwerrors.WrapInvalid(fmt.Errorf("unknown stream %q", rec.Stream), "Kafka", "Write", "resolve topic")
	}

	data, err := rec.Encode()
	if err != nil {
		return err
	}

	msg := kafka.Message{Value: data, Time: rec.Timestamp}
	if rec.Key != "" {
		msg.Key = []byte(rec.Key)
	}

	wctx, cancel := context.WithTimeout(ctx, k.cfg.WriteTimeout)
	defer cancel()

	if err := w.WriteMessages(wctx, msg); err != nil {
		return gwerrors.WrapTransient(err, "Kafka", "Write", "write to "+w.Topic)
	}
	return nil
}

// Close flushes and closes both writers.
func (k *Kafka) Close() error {
	var firstErr error
	for stream, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = gwerrors.WrapTransient(err, "Kafka", "Close", "close "+string(stream)+" writer")
		}
	}
	return firstErr
}
