package spb

import (
	"encoding/json"
	"math"
)

// ToFloat64 coerces a metric value to float64. JSON decoding yields float64
// for every number, but in-process producers hand the codec native Go types,
// so all of them are accepted. Non-finite values are rejected: they cannot
// round-trip through JSON and would poison downstream arithmetic.
func ToFloat64(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ToBool coerces a metric value to bool. Numeric values follow the PLC
// convention: zero is false, anything else is true.
func ToBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	default:
		if f, ok := ToFloat64(v); ok {
			return f != 0, true
		}
		return false, false
	}
}

// ToString coerces a metric value to string. Only genuine strings qualify;
// numbers are not formatted implicitly.
func ToString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
