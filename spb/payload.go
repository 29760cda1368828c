package spb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// GoodQuality is the threshold above which a metric value is considered
// trustworthy. Quality runs 0-255; a metric that omits the field is treated
// as good.
const GoodQuality uint8 = 192

// DataType names the declared type of a metric value on the wire.
type DataType string

// Wire data types. Numeric widths follow the protocol convention; JSON
// carries them all as numbers, so the declared type preserves producer
// intent rather than storage width.
const (
	DataTypeInt8     DataType = "Int8"
	DataTypeInt16    DataType = "Int16"
	DataTypeInt32    DataType = "Int32"
	DataTypeInt64    DataType = "Int64"
	DataTypeUInt8    DataType = "UInt8"
	DataTypeUInt16   DataType = "UInt16"
	DataTypeUInt32   DataType = "UInt32"
	DataTypeUInt64   DataType = "UInt64"
	DataTypeFloat    DataType = "Float"
	DataTypeDouble   DataType = "Double"
	DataTypeBoolean  DataType = "Boolean"
	DataTypeString   DataType = "String"
	DataTypeDateTime DataType = "DateTime"
	DataTypeText     DataType = "Text"
)

// Numeric reports whether the data type carries a number. Deadband
// suppression and OEE inputs only apply to numeric types.
func (dt DataType) Numeric() bool {
	switch dt {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64,
		DataTypeUInt8, DataTypeUInt16, DataTypeUInt32, DataTypeUInt64,
		DataTypeFloat, DataTypeDouble:
		return true
	default:
		return false
	}
}

// Known reports whether the data type is one the codec defines.
func (dt DataType) Known() bool {
	switch dt {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64,
		DataTypeUInt8, DataTypeUInt16, DataTypeUInt32, DataTypeUInt64,
		DataTypeFloat, DataTypeDouble, DataTypeBoolean,
		DataTypeString, DataTypeDateTime, DataTypeText:
		return true
	default:
		return false
	}
}

// InferDataType picks a wire type for an in-process Go value. Connectors that
// do not declare types use this when building metrics.
func InferDataType(v any) DataType {
	switch v.(type) {
	case bool:
		return DataTypeBoolean
	case int8:
		return DataTypeInt8
	case int16:
		return DataTypeInt16
	case int32:
		return DataTypeInt32
	case int, int64:
		return DataTypeInt64
	case uint8:
		return DataTypeUInt8
	case uint16:
		return DataTypeUInt16
	case uint32:
		return DataTypeUInt32
	case uint, uint64:
		return DataTypeUInt64
	case float32:
		return DataTypeFloat
	case float64:
		return DataTypeDouble
	case time.Time:
		return DataTypeDateTime
	default:
		return DataTypeString
	}
}

// Metric is one named (or alias-referenced) value on the wire. Births carry
// Name and Alias together to declare the mapping; data messages carry only
// Alias. Alias zero means "no alias": assignments are 1-based within a
// session.
type Metric struct {
	Name      string   `json:"name,omitempty"`
	Alias     uint64   `json:"alias,omitempty"`
	DataType  DataType `json:"dataType,omitempty"`
	Value     any      `json:"value"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Quality   *uint8   `json:"quality,omitempty"`
}

// NewMetric builds a named metric stamped at ts. Quality is left unset, which
// reads back as good.
func NewMetric(name string, dt DataType, value any, ts time.Time) Metric {
	return Metric{
		Name:      name,
		DataType:  dt,
		Value:     value,
		Timestamp: ts.UnixMilli(),
	}
}

// WithQuality returns a copy of the metric carrying an explicit quality.
func (m Metric) WithQuality(q uint8) Metric {
	m.Quality = &q
	return m
}

// WithAlias returns a copy of the metric carrying an alias assignment.
func (m Metric) WithAlias(alias uint64) Metric {
	m.Alias = alias
	return m
}

// QualityValue returns the metric quality, defaulting to GoodQuality when the
// producer omitted the field.
func (m Metric) QualityValue() uint8 {
	if m.Quality == nil {
		return GoodQuality
	}
	return *m.Quality
}

// IsGood reports whether the metric quality meets the good threshold.
func (m Metric) IsGood() bool {
	return m.QualityValue() >= GoodQuality
}

// Time returns the metric timestamp in UTC, or the zero time when the
// producer omitted it.
func (m Metric) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp).UTC()
}

// Payload is the wire body shared by every message kind: a millisecond
// timestamp, an optional sequence number, and the metric set. Deaths may
// carry no metrics at all.
type Payload struct {
	Timestamp int64    `json:"timestamp"`
	Seq       *uint8   `json:"seq,omitempty"`
	Metrics   []Metric `json:"metrics,omitempty"`
}

// NewPayload stamps a payload at ts with an explicit sequence number.
func NewPayload(ts time.Time, seq uint8, metrics []Metric) Payload {
	s := seq
	return Payload{Timestamp: ts.UnixMilli(), Seq: &s, Metrics: metrics}
}

// SeqValue returns the sequence number and whether the payload carried one.
func (p Payload) SeqValue() (uint8, bool) {
	if p.Seq == nil {
		return 0, false
	}
	return *p.Seq, true
}

// Time returns the payload timestamp in UTC.
func (p Payload) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// Encode serializes the payload to its compact JSON wire form.
func (p Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.WrapInvalid(err, "spb", "Encode", "payload marshal")
	}
	return data, nil
}

// DecodePayload parses the JSON wire form. Structural errors surface as
// ErrMalformedPayload; alias resolution is not attempted here.
func DecodePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return Payload{}, errors.WrapInvalid(
			fmt.Errorf("%w: empty body", errors.ErrMalformedPayload),
			"spb", "DecodePayload", "payload parse")
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err),
			"spb", "DecodePayload", "payload parse")
	}
	return p, nil
}

// AliasEntry is one name→alias declaration carried by a birth.
type AliasEntry struct {
	Alias    uint64
	Name     string
	DataType DataType
}

// AliasTable extracts the alias declarations from a birth payload. Metrics
// published without an alias are skipped; a producer may choose not to
// compress at all.
func (p Payload) AliasTable() []AliasEntry {
	var entries []AliasEntry
	for _, m := range p.Metrics {
		if m.Alias == 0 || m.Name == "" {
			continue
		}
		entries = append(entries, AliasEntry{Alias: m.Alias, Name: m.Name, DataType: m.DataType})
	}
	return entries
}
