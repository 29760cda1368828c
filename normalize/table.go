// Package normalize translates raw source tags into the canonical plant
// model. A mapping table keyed by source tag names the signal type, machine,
// and scaling for each tag; the normalizer applies quality and deadband
// filters and stamps canonical identity onto every value that passes.
package normalize

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// Canonical signal types. The OEE calculator and fault tracker select their
// inputs by these names; anything else flows to the telemetry stream only.
const (
	SignalCounterGood  = "counter.good"
	SignalCounterTotal = "counter.total"
	SignalCounterScrap = "counter.scrap"
	SignalCycleActual  = "cycle.time_actual"
	SignalCycleIdeal   = "cycle.time_ideal"
	SignalStateDown    = "state.down"
	SignalStateRun     = "state.run"
	SignalPlannedTime  = "utilization.planned_time"

	SignalFaultCode     = "fault.code"
	SignalFaultActive   = "fault.active"
	SignalFaultSeverity = "fault.severity"
)

// Mapping describes how one source tag lands in the canonical model. Scale
// zero is treated as 1 so an omitted field means "no scaling", and deadbands
// of zero disable suppression.
type Mapping struct {
	SignalType       string  `yaml:"signal_type"`
	MachineID        string  `yaml:"machine_id"`
	LineID           string  `yaml:"line_id"`
	SiteID           string  `yaml:"site_id"`
	Unit             string  `yaml:"unit"`
	Scale            float64 `yaml:"scale"`
	Offset           float64 `yaml:"offset"`
	DeadbandAbsolute float64 `yaml:"deadband_absolute"`
	DeadbandPercent  float64 `yaml:"deadband_percent"`
	MinQuality       uint8   `yaml:"min_quality"`
}

func (m Mapping) withDefaults() Mapping {
	if m.Scale == 0 {
		m.Scale = 1
	}
	return m
}

func (m Mapping) validate(tag string) error {
	if m.SignalType == "" {
		return fmt.Errorf("%w: mapping %q: signal_type is required", errors.ErrInvalidConfig, tag)
	}
	if m.MachineID == "" {
		return fmt.Errorf("%w: mapping %q: machine_id is required", errors.ErrInvalidConfig, tag)
	}
	if m.DeadbandAbsolute < 0 {
		return fmt.Errorf("%w: mapping %q: deadband_absolute must not be negative", errors.ErrInvalidConfig, tag)
	}
	if m.DeadbandPercent < 0 {
		return fmt.Errorf("%w: mapping %q: deadband_percent must not be negative", errors.ErrInvalidConfig, tag)
	}
	return nil
}

type tableFile struct {
	Mappings map[string]Mapping `yaml:"mappings"`
}

// Table holds the source-tag mappings. Lookups are lock-free reads of an
// atomically swapped map, so Reload never stalls the pipeline.
type Table struct {
	path     string
	mappings atomic.Pointer[map[string]Mapping]
}

// LoadTable reads the mapping table from a YAML file. A table that fails to
// load or validate here is a fatal configuration error; the gateway must not
// start without one.
func LoadTable(path string) (*Table, error) {
	t := &Table{path: path}
	m, err := readTable(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "normalize", "LoadTable", "mapping table load")
	}
	t.mappings.Store(&m)
	return t, nil
}

// NewTable builds a table directly from mappings, bypassing the file. Tests
// and embedding applications use this; Reload is a no-op without a path.
func NewTable(mappings map[string]Mapping) *Table {
	m := make(map[string]Mapping, len(mappings))
	for tag, mapping := range mappings {
		m[tag] = mapping.withDefaults()
	}
	t := &Table{}
	t.mappings.Store(&m)
	return t
}

// Reload re-reads the table file and swaps the mappings in one step. On any
// error the previous table stays in effect and the error is returned for the
// caller to log; in-flight lookups are never disturbed.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	m, err := readTable(t.path)
	if err != nil {
		return errors.WrapInvalid(err, "normalize", "Reload", "mapping table reload")
	}
	t.mappings.Store(&m)
	return nil
}

// Lookup returns the mapping for a source tag.
func (t *Table) Lookup(sourceTag string) (Mapping, bool) {
	m := t.mappings.Load()
	mapping, ok := (*m)[sourceTag]
	return mapping, ok
}

// Len returns the number of mapped source tags.
func (t *Table) Len() int {
	return len(*t.mappings.Load())
}

func readTable(path string) (map[string]Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errors.ErrInvalidConfig, path, err)
	}

	mappings := make(map[string]Mapping, len(f.Mappings))
	for tag, mapping := range f.Mappings {
		if tag == "" {
			return nil, fmt.Errorf("%w: empty source tag", errors.ErrInvalidConfig)
		}
		if err := mapping.validate(tag); err != nil {
			return nil, err
		}
		mappings[tag] = mapping.withDefaults()
	}
	return mappings, nil
}
