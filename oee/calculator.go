// Package oee computes availability, performance, and quality over rolling
// per-machine windows fed by normalized counter, cycle, and state signals.
// A window closes when a later metric moves past its end; the closed summary
// is returned to the caller for the events stream and a fresh aligned window
// opens immediately.
package oee

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/normalize"
)

// Config holds the calculator settings.
type Config struct {
	// WindowSize is the rolling window span per machine.
	WindowSize time.Duration
	// HistorySize caps the per-machine downtime history behind MTTR.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = time.Hour
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Deps carries the calculator's collaborators.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Result is one closed window: the raw tallies plus the derived percentages,
// all clamped to [0,100]. Times are minutes; MTBF is omitted when the window
// recorded no failures.
type Result struct {
	MachineID   string    `json:"machine_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	PlannedTime float64 `json:"planned_time_min"`
	Downtime    float64 `json:"downtime_min"`
	Runtime     float64 `json:"runtime_min"`

	GoodCount  int64 `json:"good_count"`
	TotalCount int64 `json:"total_count"`
	ScrapCount int64 `json:"scrap_count,omitempty"`

	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
	OEE          float64 `json:"oee"`

	MTTR         float64  `json:"mttr_min,omitempty"`
	MTBF         *float64 `json:"mtbf_min,omitempty"`
	FailureCount int      `json:"failure_count,omitempty"`
}

// window accumulates one machine's tallies between open and close.
type window struct {
	start, end time.Time

	planned    float64
	plannedSet bool
	downtime   float64

	good, total, scrap int64

	idealCycle  float64
	idealSet    bool
	actualCycle float64
	actualSet   bool

	failures int
}

// machineState carries what outlives a window: the down flag and its start,
// and the completed downtime history behind MTTR.
type machineState struct {
	win       *window
	down      bool
	downStart time.Time
	history   []float64
}

// Calculator folds normalized metrics into per-machine windows. Process is
// safe for concurrent use, though the pipeline feeds it from a single task.
type Calculator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	machines map[string]*machineState
}

// New builds a calculator.
func New(cfg Config, deps Deps) (*Calculator, error) {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Calculator{
		cfg:      cfg,
		logger:   logger.With("component", "oee"),
		metrics:  deps.Metrics,
		machines: make(map[string]*machineState),
	}, nil
}

// Machines returns the number of machines with calculation state.
func (c *Calculator) Machines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.machines)
}

// Process folds one normalized metric into its machine's window. When the
// metric's timestamp has moved past the current window's end, the closed
// window's Result is returned and the metric lands in the next window.
// Signals the calculator does not consume return (nil, nil). Calculation
// errors are counted and logged here; the caller may ignore them.
func (c *Calculator) Process(m normalize.Metric) (*Result, error) {
	if !consumes(m.SignalType) {
		return nil, nil
	}
	ts := m.Timestamp
	if ts.IsZero() {
		return nil, c.calcError(m.MachineID, m.SignalType, "missing timestamp")
	}

	c.mu.Lock()

	st, ok := c.machines[m.MachineID]
	if !ok {
		st = &machineState{}
		c.machines[m.MachineID] = st
	}
	if st.win == nil {
		c.openWindowLocked(st, ts)
	}

	var result *Result
	if !ts.Before(st.win.end) {
		result = c.closeWindowLocked(m.MachineID, st)
		c.openWindowLocked(st, ts)
	}

	err := c.applyLocked(m, st, ts)
	c.mu.Unlock()

	if result != nil && c.metrics != nil {
		c.metrics.RecordWindowEmitted(m.MachineID)
	}
	return result, err
}

func consumes(signal string) bool {
	switch signal {
	case normalize.SignalCounterGood, normalize.SignalCounterTotal,
		normalize.SignalCounterScrap, normalize.SignalCycleActual,
		normalize.SignalCycleIdeal, normalize.SignalStateDown,
		normalize.SignalStateRun, normalize.SignalPlannedTime:
		return true
	default:
		return false
	}
}

// openWindowLocked starts a fresh window aligned to the window size. A
// machine that is still down carries its downtime into the new window from
// the window's own start.
func (c *Calculator) openWindowLocked(st *machineState, ts time.Time) {
	start := ts.Truncate(c.cfg.WindowSize)
	st.win = &window{start: start, end: start.Add(c.cfg.WindowSize)}
	if st.down {
		st.downStart = start
	}
}

func (c *Calculator) applyLocked(m normalize.Metric, st *machineState, ts time.Time) error {
	w := st.win

	switch m.SignalType {
	case normalize.SignalCounterGood:
		f, err := c.positiveFloat(m)
		if err != nil {
			return err
		}
		if v := int64(f); v > w.good {
			w.good = v
		}
		if w.good > w.total {
			w.total = w.good
		}

	case normalize.SignalCounterTotal:
		f, err := c.positiveFloat(m)
		if err != nil {
			return err
		}
		if v := int64(f); v > w.total {
			w.total = v
		}
		if w.good > w.total {
			w.total = w.good
		}

	case normalize.SignalCounterScrap:
		f, err := c.positiveFloat(m)
		if err != nil {
			return err
		}
		if v := int64(f); v > w.scrap {
			w.scrap = v
		}

	case normalize.SignalCycleActual:
		f, err := c.positiveFloat(m)
		if err != nil {
			return err
		}
		if f == 0 {
			return c.calcError(m.MachineID, m.SignalType, "zero cycle time")
		}
		w.actualCycle = f
		w.actualSet = true

	case normalize.SignalCycleIdeal:
		f, err := c.positiveFloat(m)
		if err != nil {
			return err
		}
		if f == 0 {
			return c.calcError(m.MachineID, m.SignalType, "zero cycle time")
		}
		w.idealCycle = f
		w.idealSet = true

	case normalize.SignalStateDown, normalize.SignalStateRun:
		b, ok := m.Bool()
		if !ok {
			return c.calcError(m.MachineID, m.SignalType, "value is not a state")
		}
		down := b
		if m.SignalType == normalize.SignalStateRun {
			down = !down
		}
		return c.edgeLocked(m.MachineID, st, down, ts)

	case normalize.SignalPlannedTime:
		f, err := c.positiveFloat(m)
		if err != nil {
			return err
		}
		w.planned = f
		w.plannedSet = true
	}

	return nil
}

// edgeLocked records one machine state transition. Repeated levels are
// ignored; only the edges carry information.
func (c *Calculator) edgeLocked(machineID string, st *machineState, down bool, ts time.Time) error {
	if down == st.down {
		return nil
	}

	if down {
		st.down = true
		st.downStart = ts
		st.win.failures++
		return nil
	}

	st.down = false
	elapsed := ts.Sub(st.downStart).Minutes()
	st.downStart = time.Time{}
	if elapsed < 0 {
		return c.calcError(machineID, normalize.SignalStateDown, "downtime span is negative")
	}

	st.win.downtime += elapsed
	st.history = append(st.history, elapsed)
	if len(st.history) > c.cfg.HistorySize {
		st.history = st.history[len(st.history)-c.cfg.HistorySize:]
	}
	return nil
}

// closeWindowLocked derives the window summary. An unfinished downtime run
// is charged to this window up to its end and continues into the next one;
// the repair only reaches the MTTR history once it completes.
func (c *Calculator) closeWindowLocked(machineID string, st *machineState) *Result {
	w := st.win
	st.win = nil

	downtime := w.downtime
	if st.down && !st.downStart.IsZero() {
		if span := w.end.Sub(st.downStart).Minutes(); span > 0 {
			downtime += span
		}
	}

	planned := w.end.Sub(w.start).Minutes()
	if w.plannedSet {
		planned = w.planned
	}

	runtime := planned - downtime
	if runtime < 0 {
		runtime = 0
	}

	availability := 0.0
	if planned > 0 {
		availability = clamp(runtime / planned * 100)
	}

	quality := 100.0
	if w.total > 0 {
		quality = clamp(float64(w.good) / float64(w.total) * 100)
	}

	performance := c.performance(w, runtime)
	oee := availability * performance * quality / 10000

	res := &Result{
		MachineID:    machineID,
		WindowStart:  w.start,
		WindowEnd:    w.end,
		PlannedTime:  planned,
		Downtime:     downtime,
		Runtime:      runtime,
		GoodCount:    w.good,
		TotalCount:   w.total,
		ScrapCount:   w.scrap,
		Availability: availability,
		Performance:  performance,
		Quality:      quality,
		OEE:          clamp(oee),
		MTTR:         mean(st.history),
		FailureCount: w.failures,
	}
	if w.failures > 0 {
		mtbf := runtime / float64(w.failures)
		res.MTBF = &mtbf
	}
	return res
}

// performance prefers the units-based form (ideal time for the units
// produced over actual runtime) and falls back to the cycle-time ratio when
// counts are missing. With no usable inputs there is no evidence of speed
// loss, so the factor is 100.
func (c *Calculator) performance(w *window, runtime float64) float64 {
	if w.idealSet && w.total > 0 && runtime > 0 {
		idealMinutes := float64(w.total) * w.idealCycle / 60
		return clamp(idealMinutes / runtime * 100)
	}
	if w.idealSet && w.actualSet && w.actualCycle > 0 {
		return clamp(w.idealCycle / w.actualCycle * 100)
	}
	return 100
}

func (c *Calculator) positiveFloat(m normalize.Metric) (float64, error) {
	f, ok := m.Float()
	if !ok {
		return 0, c.calcError(m.MachineID, m.SignalType, "value is not numeric")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, c.calcError(m.MachineID, m.SignalType, "value is not finite")
	}
	if f < 0 {
		return 0, c.calcError(m.MachineID, m.SignalType, "value is negative")
	}
	return f, nil
}

// calcError counts and logs one rejected input. The window stays as it was.
func (c *Calculator) calcError(machineID, signal, detail string) error {
	if c.metrics != nil {
		c.metrics.RecordCalculationError()
	}
	c.logger.Warn("calculation input rejected",
		"machine", machineID,
		"signal", signal,
		"detail", detail)
	return fmt.Errorf("%w: %s %s: %s", errors.ErrBadCalculation, machineID, signal, detail)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
