package checker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesExpectation(t *testing.T) {
	tests := []struct {
		name     string
		actual   interface{}
		expected interface{}
		match    bool
		reason   string
	}{
		{name: "equal strings", actual: "pong", expected: "pong", match: true},
		{name: "different strings", actual: "pong", expected: "ping", reason: `expected "ping", got "pong"`},
		{name: "json float vs yaml int", actual: float64(200), expected: 200, match: true},
		{name: "numeric mismatch", actual: float64(404), expected: 200, reason: "expected 200, got 404"},
		{name: "number vs string", actual: "200", expected: true, reason: "type mismatch: expected bool, got string"},
		{name: "bool", actual: true, expected: true, match: true},
		{name: "regex", actual: "2024-05-01T12:00:00Z", expected: "~^2024-~", match: true},
		{name: "regex on number", actual: float64(3), expected: "~^[1-5]$~", match: true},
		{name: "regex mismatch", actual: "x", expected: "~^y$~", reason: `value "x" does not match pattern ~^y$~`},
		{name: "greater or equal", actual: 47.5, expected: ">=47.5", match: true},
		{name: "greater", actual: 47.5, expected: ">47.5", reason: "expected value > 47.5, got 47.5"},
		{name: "less than numeric string", actual: "4", expected: "<5", match: true},
		{name: "comparison on text", actual: "warm", expected: ">1", reason: "cannot compare non-numeric value warm"},
		{name: "stored number", actual: "47.5", expected: 47.5, match: true},
		{name: "nil expected", actual: nil, expected: nil, match: true},
		{name: "missing actual", actual: nil, expected: 1, reason: "expected 1, got nil"},
		{
			name:     "nested map subset",
			actual:   map[string]interface{}{"targetTemperature": map[string]interface{}{"value": 47.5, "ac": float64(200), "ad": "ok"}},
			expected: map[string]interface{}{"targetTemperature": map[string]interface{}{"ac": 200}},
			match:    true,
		},
		{
			name:     "missing key",
			actual:   map[string]interface{}{"a": 1},
			expected: map[string]interface{}{"b": 1},
			reason:   `missing key "b"`,
		},
		{
			name:     "nested reason",
			actual:   map[string]interface{}{"a": map[string]interface{}{"b": "x"}},
			expected: map[string]interface{}{"a": map[string]interface{}{"b": "y"}},
			reason:   `key "a": key "b": expected "y", got "x"`,
		},
		{name: "array", actual: []interface{}{float64(1), "a"}, expected: []interface{}{1, "a"}, match: true},
		{name: "array length", actual: []interface{}{1}, expected: []interface{}{1, 2}, reason: "expected array length 2, got 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, reason := MatchesExpectation(tt.actual, tt.expected)
			assert.Equal(t, tt.match, match)
			if !tt.match {
				assert.Equal(t, tt.reason, reason)
			}
		})
	}
}
