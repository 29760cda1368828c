package connector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/pkg/retry"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// Publisher is the outbound half of the session the Sampler feeds.
// session.Manager satisfies it.
type Publisher interface {
	PublishNodeData(ctx context.Context, metrics []spb.Metric) error
	PublishDeviceData(ctx context.Context, device string, metrics []spb.Metric) error
}

// SamplerConfig controls what is polled and how fast.
type SamplerConfig struct {
	// Device is the device ID the readings publish under. Empty publishes
	// node-level data.
	Device string
	// Addresses are the tag addresses polled each cycle.
	Addresses []string
	// NormalInterval is the poll period while the queue is healthy.
	NormalInterval time.Duration
	// SlowInterval is the poll period while backpressure is engaged.
	SlowInterval time.Duration
	// Reconnect shapes the backoff after driver connect/read failures.
	Reconnect retry.Config
}

func (c SamplerConfig) withDefaults() SamplerConfig {
	if c.NormalInterval <= 0 {
		c.NormalInterval = time.Second
	}
	if c.SlowInterval <= c.NormalInterval {
		c.SlowInterval = 5 * c.NormalInterval
	}
	return c
}

// Validate reports a configuration the sampler cannot run with.
func (c SamplerConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"connector", "Validate", "at least one tag address required")
	}
	return nil
}

// SamplerDeps carries the sampler's collaborators.
type SamplerDeps struct {
	Connector Connector
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// Sampler polls the connector at a rate-limited cadence and publishes each
// batch as one data frame. The backpressure signal retunes the limiter
// between the normal and slow intervals; an in-progress wait picks the new
// rate up on its own, so there is no ticker to tear down and rebuild.
type Sampler struct {
	cfg     SamplerConfig
	conn    Connector
	pub     Publisher
	logger  *slog.Logger
	metrics *metric.Metrics

	limiter *rate.Limiter
	slow    atomic.Bool

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSampler builds a sampler. Polling starts with Start.
func NewSampler(cfg SamplerConfig, deps SamplerDeps) (*Sampler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Connector == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"connector", "NewSampler", "connector required")
	}
	if deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"connector", "NewSampler", "publisher required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sampler{
		cfg:     cfg,
		conn:    deps.Connector,
		pub:     deps.Publisher,
		logger:  logger.With("component", "sampler"),
		metrics: deps.Metrics,
		limiter: rate.NewLimiter(rate.Every(cfg.NormalInterval), 1),
	}, nil
}

// OnBackpressure switches the poll rate. Wire it to the backpressure
// controller's OnEngage/OnClear callbacks; the controller's dwell time is
// what keeps this from thrashing.
func (s *Sampler) OnBackpressure(engaged bool) {
	if s.slow.Swap(engaged) == engaged {
		return
	}
	if engaged {
		s.limiter.SetLimit(rate.Every(s.cfg.SlowInterval))
		s.logger.Info("sampling slowed", "interval", s.cfg.SlowInterval)
	} else {
		s.limiter.SetLimit(rate.Every(s.cfg.NormalInterval))
		s.logger.Info("sampling rate restored", "interval", s.cfg.NormalInterval)
	}
}

// Start launches the poll loop.
func (s *Sampler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
	s.logger.Info("sampler started",
		"tags", len(s.cfg.Addresses), "interval", s.cfg.NormalInterval, "device", s.cfg.Device)
	return nil
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)
	defer func() { _ = s.conn.Disconnect() }()

	backoff := retry.NewBackoff(s.cfg.Reconnect)
	connected := false

	for {
		if ctx.Err() != nil {
			return
		}

		if !connected {
			if err := s.conn.Connect(ctx); err != nil {
				s.logger.Warn("connector connect failed", "error", err)
				if backoff.Sleep(ctx) != nil {
					return
				}
				continue
			}
			connected = true
			backoff.Reset()
			s.logger.Info("connector connected")
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		points, err := s.conn.ReadTags(ctx, s.cfg.Addresses)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("tag read failed, reconnecting", "error", err)
			_ = s.conn.Disconnect()
			connected = false
			continue
		}

		s.publish(ctx, points)
	}
}

// publish converts one read batch into a data frame. Per-tag read errors
// drop just that tag; an empty batch publishes nothing.
func (s *Sampler) publish(ctx context.Context, points []DataPoint) {
	metrics := make([]spb.Metric, 0, len(points))
	for _, p := range points {
		if p.Err != nil {
			s.logger.Debug("tag read error", "address", p.Address, "error", p.Err)
			if s.metrics != nil {
				s.metrics.RecordMetricDropped("read_error")
			}
			continue
		}
		metrics = append(metrics, toMetric(p))
	}
	if len(metrics) == 0 {
		return
	}

	var err error
	if s.cfg.Device != "" {
		err = s.pub.PublishDeviceData(ctx, s.cfg.Device, metrics)
	} else {
		err = s.pub.PublishNodeData(ctx, metrics)
	}
	if err != nil {
		s.logger.Warn("sample publish refused", "error", err)
	}
}

func toMetric(p DataPoint) spb.Metric {
	dt := p.DataType
	if dt == "" {
		dt = spb.InferDataType(p.Value)
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m := spb.NewMetric(p.Address, dt, p.Value, ts)
	if p.Quality != 0 && p.Quality != spb.GoodQuality {
		m = m.WithQuality(p.Quality)
	}
	return m
}

// Stop halts the poll loop and disconnects the driver, waiting up to
// timeout for the loop to exit.
func (s *Sampler) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn("sampler did not stop in time", "timeout", timeout)
	}
	s.logger.Info("sampler stopped")
	return nil
}
