// Package backpressure watches the store-and-forward queue depth and flips
// a single engaged/cleared signal with hysteresis. Producers poll Engaged
// or register callbacks to slow their sampling while the backlog is high.
package backpressure

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
)

// Config holds the hysteresis thresholds. EngageThreshold must be strictly
// greater than ClearThreshold so the two bands cannot chatter.
type Config struct {
	// EngageThreshold engages pressure at depth >= this value.
	EngageThreshold int
	// ClearThreshold clears pressure at depth <= this value.
	ClearThreshold int
	// MinDwell is the minimum time between state transitions.
	MinDwell time.Duration
	// Interval is the depth polling period for the monitor task.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.EngageThreshold <= 0 {
		c.EngageThreshold = 8000
	}
	if c.ClearThreshold <= 0 {
		c.ClearThreshold = 2000
	}
	if c.MinDwell <= 0 {
		c.MinDwell = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	return c
}

// Validate reports a configuration the controller cannot run with.
func (c Config) Validate() error {
	if c.EngageThreshold <= c.ClearThreshold {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"backpressure", "Validate", "engage threshold must exceed clear threshold")
	}
	return nil
}

// Deps carries the controller's collaborators. Depth is polled by the
// monitor task; the callbacks fire exactly once per transition, outside the
// controller lock.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Depth    func() int
	OnEngage func()
	OnClear  func()
}

// Controller applies hysteresis over observed queue depths. Observe is the
// single writer of the engaged flag; Engaged is a lock-free read safe from
// any goroutine.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	depth   func() int

	onEngage func()
	onClear  func()

	mu             sync.Mutex
	lastTransition time.Time
	engaged        atomic.Bool

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}

	nowFn func() time.Time
}

// New builds a controller. The monitor task is not started; call Start, or
// drive Observe directly from the owner's own tick.
func New(cfg Config, deps Deps) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg:      cfg,
		logger:   logger.With("component", "backpressure"),
		metrics:  deps.Metrics,
		depth:    deps.Depth,
		onEngage: deps.OnEngage,
		onClear:  deps.OnClear,
		nowFn:    time.Now,
	}, nil
}

// Engaged reports whether pressure is currently applied.
func (c *Controller) Engaged() bool {
	return c.engaged.Load()
}

// Observe evaluates one depth sample against the thresholds. A transition
// happens at most once per crossing and never inside the dwell window of the
// previous transition.
func (c *Controller) Observe(depth int) {
	var fire func()

	c.mu.Lock()
	now := c.nowFn()
	engaged := c.engaged.Load()
	dwellOK := c.lastTransition.IsZero() || now.Sub(c.lastTransition) >= c.cfg.MinDwell

	switch {
	case !engaged && depth >= c.cfg.EngageThreshold && dwellOK:
		c.engaged.Store(true)
		c.lastTransition = now
		fire = c.onEngage
		c.logger.Warn("backpressure engaged",
			"depth", depth, "threshold", c.cfg.EngageThreshold)
		if c.metrics != nil {
			c.metrics.SetBackpressure(true)
			c.metrics.RecordBackpressureTransition("engage")
		}
	case engaged && depth <= c.cfg.ClearThreshold && dwellOK:
		c.engaged.Store(false)
		c.lastTransition = now
		fire = c.onClear
		c.logger.Info("backpressure cleared",
			"depth", depth, "threshold", c.cfg.ClearThreshold)
		if c.metrics != nil {
			c.metrics.SetBackpressure(false)
			c.metrics.RecordBackpressureTransition("clear")
		}
	}
	c.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Start launches the monitor task polling the depth source every Interval.
func (c *Controller) Start(ctx context.Context) error {
	if c.depth == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"backpressure", "Start", "no depth source configured")
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	c.shutdown = make(chan struct{})
	c.done = make(chan struct{})
	go c.monitor(ctx)
	c.logger.Info("backpressure monitor started",
		"engage", c.cfg.EngageThreshold, "clear", c.cfg.ClearThreshold,
		"interval", c.cfg.Interval)
	return nil
}

func (c *Controller) monitor(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.Observe(c.depth())
		}
	}
}

// Stop halts the monitor task, waiting up to timeout for it to exit.
func (c *Controller) Stop(timeout time.Duration) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	close(c.shutdown)
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown,
			"backpressure", "Stop", "monitor did not exit before timeout")
	}
}
