package checker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MatchesExpectation checks if actual matches expected.
// Returns (true, "") on match, (false, "reason") on mismatch.
//
// Expected strings support two matcher forms:
//
//	~pattern~        regular expression against the value's text form
//	>n, >=n, <n, <=n numeric comparison
//
// Maps match when every expected key matches; extra actual keys are ignored.
func MatchesExpectation(actual, expected interface{}) (bool, string) {
	if expected == nil {
		if actual == nil {
			return true, ""
		}
		return false, fmt.Sprintf("expected nil, got %v", actual)
	}
	if actual == nil {
		return false, fmt.Sprintf("expected %v, got nil", expected)
	}

	switch exp := expected.(type) {
	case string:
		if len(exp) >= 2 && strings.HasPrefix(exp, "~") && strings.HasSuffix(exp, "~") {
			return matchRegex(actual, exp[1:len(exp)-1])
		}
		if op, operand, ok := splitComparison(exp); ok {
			return matchComparison(actual, op, operand)
		}
		got, ok := actual.(string)
		if !ok {
			return false, fmt.Sprintf("type mismatch: expected string, got %T", actual)
		}
		if got != exp {
			return false, fmt.Sprintf("expected %q, got %q", exp, got)
		}
		return true, ""

	case bool:
		got, ok := actual.(bool)
		if !ok {
			return false, fmt.Sprintf("type mismatch: expected bool, got %T", actual)
		}
		if got != exp {
			return false, fmt.Sprintf("expected %v, got %v", exp, got)
		}
		return true, ""

	case map[string]interface{}:
		got, ok := actual.(map[string]interface{})
		if !ok {
			return false, fmt.Sprintf("type mismatch: expected object, got %T", actual)
		}
		return matchMap(got, exp)

	case []interface{}:
		got, ok := actual.([]interface{})
		if !ok {
			return false, fmt.Sprintf("type mismatch: expected array, got %T", actual)
		}
		return matchArray(got, exp)
	}

	want, err := toFloat64(expected)
	if err != nil {
		return false, fmt.Sprintf("unsupported expected value %v (%T)", expected, expected)
	}
	got, err := toFloat64(actual)
	if err != nil {
		return false, fmt.Sprintf("type mismatch: expected number, got %T", actual)
	}
	if got != want {
		return false, fmt.Sprintf("expected %v, got %v", expected, actual)
	}
	return true, ""
}

func matchMap(actual, expected map[string]interface{}) (bool, string) {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists {
			return false, fmt.Sprintf("missing key %q", key)
		}
		if ok, reason := MatchesExpectation(got, want); !ok {
			return false, fmt.Sprintf("key %q: %s", key, reason)
		}
	}
	return true, ""
}

func matchArray(actual, expected []interface{}) (bool, string) {
	if len(actual) != len(expected) {
		return false, fmt.Sprintf("expected array length %d, got %d", len(expected), len(actual))
	}
	for i := range expected {
		if ok, reason := MatchesExpectation(actual[i], expected[i]); !ok {
			return false, fmt.Sprintf("element %d: %s", i, reason)
		}
	}
	return true, ""
}

func matchRegex(actual interface{}, pattern string) (bool, string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Sprintf("invalid regex pattern %q: %v", pattern, err)
	}
	text := fmt.Sprintf("%v", actual)
	if !re.MatchString(text) {
		return false, fmt.Sprintf("value %q does not match pattern ~%s~", text, pattern)
	}
	return true, ""
}

// splitComparison recognizes ">n", ">=n", "<n" and "<=n"
func splitComparison(s string) (string, float64, bool) {
	for _, op := range []string{">=", "<=", ">", "<"} {
		if !strings.HasPrefix(s, op) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s[len(op):]), 64)
		if err != nil {
			return "", 0, false
		}
		return op, n, true
	}
	return "", 0, false
}

func matchComparison(actual interface{}, op string, operand float64) (bool, string) {
	got, err := toFloat64(actual)
	if err != nil {
		return false, fmt.Sprintf("cannot compare non-numeric value %v", actual)
	}

	var ok bool
	switch op {
	case ">":
		ok = got > operand
	case ">=":
		ok = got >= operand
	case "<":
		ok = got < operand
	case "<=":
		ok = got <= operand
	}
	if !ok {
		return false, fmt.Sprintf("expected value %s %v, got %v", op, operand, got)
	}
	return true, ""
}

// toFloat64 accepts the numeric types produced by the YAML and JSON decoders.
// Numeric strings are accepted so state store values compare as numbers.
func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("not a numeric type: %T", v)
	}
}
