package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Titoyabril/oee-dashboard-sub000/metric"
)

// Fanout writes each record to every configured sink. Delivery is best
// effort: a failing sink is logged and counted and never blocks the
// remaining sinks, so a dead Kafka broker cannot stall the NATS path.
type Fanout struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewFanout combines sinks into a single best-effort writer. A nil logger
// falls back to slog.Default; metrics may be nil.
func NewFanout(sinks []Sink, logger *slog.Logger, metrics *metric.Metrics) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		sinks:   sinks,
		logger:  logger.With("component", "sink-fanout"),
		metrics: metrics,
	}
}

// Write delivers rec to every sink in registration order.
func (f *Fanout) Write(ctx context.Context, rec Record) {
	for _, s := range f.sinks {
		if err := s.Write(ctx, rec); err != nil {
			if f.metrics != nil {
				f.metrics.RecordSinkFailure(s.Name())
			}
			f.logger.Warn("sink write failed",
				"sink", s.Name(),
				"stream", string(rec.Stream),
				"kind", string(rec.Kind),
				"error", err)
		}
	}
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of configured sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}
