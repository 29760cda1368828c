// Package simulator is an in-tree connector that fabricates plausible
// machine telemetry: monotonic production counters, jittered cycle times,
// sticky down states, and occasional fault codes. It backs the demo config
// and any test that needs a live-looking publish path without hardware.
package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/connector"
	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

// Protocol is the registry identifier.
const Protocol = "simulator"

// Config shapes the generated telemetry.
type Config struct {
	// Seed makes a run reproducible. Zero seeds from the clock.
	Seed int64 `json:"seed"`
	// Jitter is the relative noise applied to analog values, 0–1.
	Jitter float64 `json:"jitter"`
	// DownRate is the per-read probability of a machine entering a down
	// state; a down machine recovers with the same probability.
	DownRate float64 `json:"down_rate"`
	// FaultRate is the per-read probability of raising a fault code while
	// down.
	FaultRate float64 `json:"fault_rate"`
	// BadQualityRate is the per-read probability of stamping a degraded
	// quality on a point, exercising the low-quality drop path downstream.
	BadQualityRate float64 `json:"bad_quality_rate"`
}

func (c Config) withDefaults() Config {
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.05
	}
	if c.DownRate <= 0 {
		c.DownRate = 0.02
	}
	if c.FaultRate <= 0 {
		c.FaultRate = 0.5
	}
	return c
}

// Simulator fabricates tag values keyed by address suffix. Addresses are
// free-form; the suffix after the last '/' picks the generator, so
// "press-01/counter.total" and "oven-02/counter.total" get independent
// monotonic counters.
type Simulator struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	connected bool
	counters  map[string]int64
	down      map[string]bool
	faultCode map[string]string
}

// New is the connector.Factory for the simulator.
func New(rawConfig json.RawMessage, deps connector.Deps) (connector.Connector, error) {
	var cfg Config
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "simulator", "New", "config parse")
		}
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Simulator{
		cfg:       cfg,
		logger:    logger.With("component", "simulator"),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		counters:  make(map[string]int64),
		down:      make(map[string]bool),
		faultCode: make(map[string]string),
	}, nil
}

// Register adds the simulator factory to a registry.
func Register(r *connector.Registry) error {
	return r.Register(Protocol, New)
}

// Connect marks the simulator live. It never fails.
func (s *Simulator) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.logger.Debug("simulator connected", "seed", s.cfg.Seed)
	return nil
}

// Disconnect marks the simulator down.
func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// ReadTags fabricates one point per address.
func (s *Simulator) ReadTags(_ context.Context, addresses []string) ([]connector.DataPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, errors.WrapTransient(errors.ErrNotConnected,
			"simulator", "ReadTags", "tag read")
	}

	// Advance each machine's state once per batch so state.down and
	// state.run read consistently within one poll.
	seen := make(map[string]bool)
	for _, address := range addresses {
		machine := machineOf(address)
		if !seen[machine] {
			seen[machine] = true
			s.advanceState(machine)
		}
	}

	now := time.Now().UTC()
	points := make([]connector.DataPoint, 0, len(addresses))
	for _, address := range addresses {
		value, dt := s.generate(address)
		quality := spb.GoodQuality
		if s.cfg.BadQualityRate > 0 && s.rng.Float64() < s.cfg.BadQualityRate {
			quality = 64
		}
		points = append(points, connector.DataPoint{
			Address:   address,
			Value:     value,
			DataType:  dt,
			Quality:   quality,
			Timestamp: now,
		})
	}
	return points, nil
}

// generate picks a value by the signal class encoded in the address suffix.
func (s *Simulator) generate(address string) (any, spb.DataType) {
	machine := machineOf(address)
	suffix := address
	if i := strings.LastIndex(address, "/"); i >= 0 {
		suffix = address[i+1:]
	}

	switch {
	case strings.HasPrefix(suffix, "counter."):
		step := int64(0)
		if !s.down[machine] {
			step = s.rng.Int63n(4)
			if strings.HasSuffix(suffix, ".scrap") {
				// Scrap accrues an order of magnitude slower.
				if s.rng.Float64() < 0.1 {
					step = 1
				} else {
					step = 0
				}
			}
		}
		s.counters[address] += step
		return s.counters[address], spb.DataTypeInt64

	case strings.HasPrefix(suffix, "cycle."):
		base := 3.0
		if strings.HasSuffix(suffix, ".time_ideal") {
			return base, spb.DataTypeDouble
		}
		return base * (1 + s.cfg.Jitter*(s.rng.Float64()*2-1)), spb.DataTypeDouble

	case suffix == "state.down":
		return s.down[machine], spb.DataTypeBoolean

	case suffix == "state.run":
		return !s.down[machine], spb.DataTypeBoolean

	case suffix == "fault.code":
		if s.down[machine] {
			if s.faultCode[machine] == "" && s.rng.Float64() < s.cfg.FaultRate {
				s.faultCode[machine] = faultCodes[s.rng.Intn(len(faultCodes))]
			}
		} else {
			s.faultCode[machine] = ""
		}
		if s.faultCode[machine] == "" {
			return "0", spb.DataTypeString
		}
		return s.faultCode[machine], spb.DataTypeString

	case suffix == "fault.active":
		return s.down[machine], spb.DataTypeBoolean

	case strings.HasPrefix(suffix, "utilization."):
		return 480.0, spb.DataTypeDouble

	default:
		return 100 * (1 + s.cfg.Jitter*(s.rng.Float64()*2-1)), spb.DataTypeDouble
	}
}

// advanceState flips the machine's down state at DownRate, at most once per
// read cycle per machine.
func (s *Simulator) advanceState(machine string) {
	if s.rng.Float64() < s.cfg.DownRate {
		s.down[machine] = !s.down[machine]
	}
}

func machineOf(address string) string {
	if i := strings.Index(address, "/"); i >= 0 {
		return address[:i]
	}
	return address
}

var faultCodes = []string{"2001", "4003", "6010", "9001"}
