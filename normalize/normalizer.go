package normalize

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// Metric is one reading translated into the canonical plant model. Value
// holds a scaled float64 for numeric tags and passes booleans and strings
// through untouched; timestamps are always UTC.
type Metric struct {
	MachineID  string    `json:"machine_id"`
	LineID     string    `json:"line_id,omitempty"`
	SiteID     string    `json:"site_id,omitempty"`
	SignalType string    `json:"signal_type"`
	SourceTag  string    `json:"source_tag"`
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Quality    uint8     `json:"quality"`
	Timestamp  time.Time `json:"timestamp"`
}

// Float returns the value as a float64 when it carries a number.
func (m Metric) Float() (float64, bool) {
	return spb.ToFloat64(m.Value)
}

// Bool returns the value as a bool. Numbers follow the PLC convention:
// nonzero is true.
func (m Metric) Bool() (bool, bool) {
	return spb.ToBool(m.Value)
}

// Text returns the value when it is a genuine string.
func (m Metric) Text() (string, bool) {
	return spb.ToString(m.Value)
}

// Deps carries the normalizer's collaborators.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Normalizer applies the mapping table to decoded metrics: quality gate,
// deadband suppression, scaling, and canonical identity stamping. The
// last-value cache behind the deadband is keyed by source tag and only
// updated by values that pass, so a suppressed reading never shifts the
// reference point.
type Normalizer struct {
	table   *Table
	logger  *slog.Logger
	metrics *metric.Metrics

	mu   sync.Mutex
	last map[string]float64
}

// New builds a normalizer over a loaded mapping table.
func New(table *Table, deps Deps) (*Normalizer, error) {
	if table == nil {
		return nil, gwerrors.WrapInvalid(gwerrors.ErrMissingConfig,
			"normalize", "New", "mapping table is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Normalizer{
		table:   table,
		logger:  logger.With("component", "normalize"),
		metrics: deps.Metrics,
		last:    make(map[string]float64),
	}, nil
}

// DropReason maps a normalization error onto its counter label.
func DropReason(err error) string {
	switch {
	case errors.Is(err, gwerrors.ErrNoMapping):
		return "no_mapping"
	case errors.Is(err, gwerrors.ErrLowQuality):
		return "low_quality"
	case errors.Is(err, gwerrors.ErrDeadbandSuppressed):
		return "deadband"
	case errors.Is(err, gwerrors.ErrNonNumericValue):
		return "bad_value"
	default:
		return "error"
	}
}

// Normalize translates one decoded metric. A nil error means the metric
// passed and the returned value is ready for the calculators and sinks; a
// non-nil error names the drop reason, already counted.
func (n *Normalizer) Normalize(m spb.Metric, id spb.Identity) (Metric, error) {
	if m.Name == "" {
		return Metric{}, n.drop(gwerrors.ErrNoMapping, "", id)
	}

	mapping, ok := n.table.Lookup(m.Name)
	if !ok {
		return Metric{}, n.drop(gwerrors.ErrNoMapping, m.Name, id)
	}

	quality := m.QualityValue()
	if quality < mapping.MinQuality {
		return Metric{}, n.drop(gwerrors.ErrLowQuality, m.Name, id)
	}

	value, err := n.translateValue(m, mapping)
	if err != nil {
		return Metric{}, n.drop(err, m.Name, id)
	}

	ts := m.Time()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return Metric{
		MachineID:  mapping.MachineID,
		LineID:     mapping.LineID,
		SiteID:     mapping.SiteID,
		SignalType: mapping.SignalType,
		SourceTag:  m.Name,
		Value:      value,
		Unit:       mapping.Unit,
		Quality:    quality,
		Timestamp:  ts,
	}, nil
}

// translateValue scales numerics and runs them through the deadband;
// booleans and strings pass through untouched.
func (n *Normalizer) translateValue(m spb.Metric, mapping Mapping) (any, error) {
	if m.Value == nil {
		return nil, gwerrors.ErrNonNumericValue
	}

	if f, ok := spb.ToFloat64(m.Value); ok {
		scaled := f*mapping.Scale + mapping.Offset
		if math.IsNaN(scaled) || math.IsInf(scaled, 0) {
			return nil, gwerrors.ErrNonNumericValue
		}
		if err := n.checkDeadband(m.Name, scaled, mapping); err != nil {
			return nil, err
		}
		return scaled, nil
	}

	// Declared numeric but the value would not coerce.
	if m.DataType.Numeric() {
		return nil, gwerrors.ErrNonNumericValue
	}

	if b, ok := m.Value.(bool); ok {
		return b, nil
	}
	if s, ok := spb.ToString(m.Value); ok {
		return s, nil
	}
	return nil, gwerrors.ErrNonNumericValue
}

// checkDeadband suppresses values that moved less than the configured band
// since the last emitted value. The first value for a tag always passes, and
// passing values become the new reference.
func (n *Normalizer) checkDeadband(tag string, value float64, mapping Mapping) error {
	if mapping.DeadbandAbsolute == 0 && mapping.DeadbandPercent == 0 {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	prev, seen := n.last[tag]
	if seen {
		band := mapping.DeadbandAbsolute
		if pct := math.Abs(prev) * mapping.DeadbandPercent / 100; pct > band {
			band = pct
		}
		if math.Abs(value-prev) < band {
			return gwerrors.ErrDeadbandSuppressed
		}
	}

	n.last[tag] = value
	return nil
}

func (n *Normalizer) drop(err error, tag string, id spb.Identity) error {
	reason := DropReason(err)
	if n.metrics != nil {
		n.metrics.RecordMetricDropped(reason)
	}
	n.logger.Debug("metric dropped",
		"reason", reason,
		"tag", tag,
		"node", id.NodeOnly().Key())
	return err
}
