// Package sink delivers processed gateway records to downstream systems.
//
// A Record is a JSON envelope on one of two streams: telemetry carries
// normalized metric samples, events carries OEE window results and fault
// transitions. Implementations cover NATS, Kafka, local JSONL files and an
// in-process channel; the pipeline combines any number of them through a
// Fanout, which treats every sink as best effort.
package sink

import (
	"context"
	"encoding/json"
	"time"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// Stream selects the logical destination of a record.
type Stream string

const (
	// StreamTelemetry carries normalized metric samples.
	StreamTelemetry Stream = "telemetry"
	// StreamEvents carries OEE window results and fault transitions.
	StreamEvents Stream = "events"
)

// Kind tags the payload type inside a stream.
type Kind string

const (
	// KindMetric is a normalized metric sample.
	KindMetric Kind = "metric"
	// KindOEE is a completed OEE window result.
	KindOEE Kind = "oee"
	// KindFault is a fault lifecycle transition.
	KindFault Kind = "fault"
)

// Record is the envelope written to every sink. Stream and Key route the
// record; only Kind, Timestamp and Body appear on the wire.
type Record struct {
	Stream    Stream    `json:"-"`
	Kind      Kind      `json:"kind"`
	Key       string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Body      any       `json:"body"`
}

// Encode renders the wire form of the record.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, gwerrors.WrapInvalid(err, "Record", "Encode", "marshal record")
	}
	return data, nil
}

// Sink delivers records to one downstream system. Implementations must be
// safe for concurrent Write calls.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Write delivers a single record.
	Write(ctx context.Context, rec Record) error
	// Close flushes buffered records and releases resources. The sink
	// rejects writes after Close.
	Close() error
}
