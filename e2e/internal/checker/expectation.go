package checker

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/e2e/internal/observer"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/scenario"
	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
)

// CheckTelemetry validates an expectation against captured telemetry.
// Payload matchers apply to the most recent message.
func CheckTelemetry(exp scenario.Expectation, messages []observer.CapturedMessage) (bool, string, interface{}) {
	if len(messages) == 0 {
		return false, "no telemetry received", nil
	}
	if len(messages) < exp.MinCount {
		return false, fmt.Sprintf("expected at least %d telemetry messages, got %d", exp.MinCount, len(messages)), len(messages)
	}

	latest := messages[len(messages)-1]
	if len(exp.Payload) == 0 {
		return true, "", latest.Payload
	}

	payloadMap, ok := latest.Payload.(map[string]interface{})
	if !ok {
		return false, fmt.Sprintf("payload is not a JSON object, got %T", latest.Payload), latest.Payload
	}
	if matches, reason := MatchesExpectation(payloadMap, exp.Payload); !matches {
		return false, reason, latest.Payload
	}
	return true, "", latest.Payload
}

// CheckTwin validates the desired or reported section of a twin document
func CheckTwin(exp scenario.Expectation, twin map[string]interface{}) (bool, string, interface{}) {
	section, ok := twin[exp.Twin].(map[string]interface{})
	if !ok {
		return false, fmt.Sprintf("twin has no %s section", exp.Twin), twin
	}
	if matches, reason := MatchesExpectation(section, exp.Payload); !matches {
		return false, reason, section
	}
	return true, "", section
}

// CheckMethod validates the last response to a direct method. A nil result
// means the method has not answered.
func CheckMethod(exp scenario.Expectation, result *hubsim.MethodResult) (bool, string, interface{}) {
	if result == nil {
		return false, fmt.Sprintf("no response recorded for method %q", exp.Method), nil
	}

	var payload interface{}
	if len(result.Payload) > 0 {
		if err := json.Unmarshal(result.Payload, &payload); err != nil {
			return false, fmt.Sprintf("method payload is not JSON: %v", err), string(result.Payload)
		}
	}
	actual := map[string]interface{}{"status": int(result.Status), "payload": payload}

	if exp.Status != 0 && int(result.Status) != exp.Status {
		return false, fmt.Sprintf("expected status %d, got %d", exp.Status, int(result.Status)), actual
	}
	if len(exp.Payload) > 0 {
		if matches, reason := MatchesExpectation(payload, exp.Payload); !matches {
			return false, reason, actual
		}
	}
	return true, "", actual
}
