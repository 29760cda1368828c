// Package fault tracks machine fault lifecycles from the fault.code,
// fault.active, and fault.severity signals: deduplication of repeated
// reports, severity classification from the code range, acknowledgement,
// and resolution on the falling edge of fault.active.
package fault

import (
	"strconv"
	"strings"
	"time"
)

// State is a fault's lifecycle position.
type State string

const (
	// StateActive marks a fault that is currently raised.
	StateActive State = "active"
	// StateAcknowledged marks a raised fault an operator has seen.
	StateAcknowledged State = "acknowledged"
	// StateResolved marks a fault whose condition has cleared.
	StateResolved State = "resolved"
	// StateMerged marks a fault folded into a newer occurrence of the same
	// code; its counts carried over.
	StateMerged State = "merged"
)

// open reports whether the state still demands operator attention.
func (s State) open() bool {
	return s == StateActive || s == StateAcknowledged
}

// Severity ranks a fault's urgency.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity label used on the events stream.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText makes severities render as labels in JSON events.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the same labels back.
func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "low":
		*s = SeverityLow
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		*s = SeverityMedium
	}
	return nil
}

// SeverityForCode classifies a fault code by its numeric range, following
// the plant convention that codes climb with urgency: 1xxx warnings up to
// 9xxx plant-critical. Codes that do not parse rank medium.
func SeverityForCode(code string) Severity {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return SeverityMedium
	}
	switch {
	case n >= 9000:
		return SeverityCritical
	case n >= 6000:
		return SeverityHigh
	case n >= 3000:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// severityFromValue maps the fault.severity signal (1 through 4) onto a
// Severity.
func severityFromValue(f float64) (Severity, bool) {
	n := int(f)
	if float64(n) != f || n < int(SeverityLow) || n > int(SeverityCritical) {
		return 0, false
	}
	return Severity(n), true
}

// Fault is one tracked fault instance. Occurrences counts the reports
// folded into it, including those carried over from a merged predecessor.
type Fault struct {
	ID          string     `json:"id"`
	MachineID   string     `json:"machine_id"`
	Code        string     `json:"code"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	State       State      `json:"state"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DurationMin float64    `json:"duration_min,omitempty"`
	Occurrences int        `json:"occurrence_count"`
}

// defaultDescriptions names the codes the plant raises most. A configured
// lookup table overrides these per code.
var defaultDescriptions = map[string]string{
	"1001": "low material warning",
	"2001": "jam detected",
	"3001": "temperature out of range",
	"4001": "hydraulic pressure low",
	"5001": "tool wear limit reached",
	"6001": "servo drive fault",
	"7001": "safety gate open",
	"8001": "emergency stop engaged",
	"9001": "fire alarm",
}
