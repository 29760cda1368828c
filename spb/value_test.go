package spb

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  float64
		ok    bool
	}{
		{"float64", 3.5, 3.5, true},
		{"float32", float32(2), 2, true},
		{"int", 42, 42, true},
		{"int64", int64(-7), -7, true},
		{"uint16", uint16(9), 9, true},
		{"json number", json.Number("12.5"), 12.5, true},
		{"bool", true, 0, false},
		{"string", "42", 0, false},
		{"nil", nil, 0, false},
		{"nan", math.NaN(), 0, false},
		{"positive inf", math.Inf(1), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat64(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestToBool(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
		ok    bool
	}{
		{"true", true, true, true},
		{"false", false, false, true},
		{"nonzero number", 1.0, true, true},
		{"zero number", 0.0, false, true},
		{"plc style int", 1, true, true},
		{"string", "true", false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToBool(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestToString(t *testing.T) {
	s, ok := ToString("fault cleared")
	assert.True(t, ok)
	assert.Equal(t, "fault cleared", s)

	_, ok = ToString(17)
	assert.False(t, ok)
}
