package scenario

import (
	"fmt"
	"sort"
)

// ValidateScenario performs validation checks on a loaded scenario
func ValidateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("scenario description is required")
	}

	if s.Setup.DeviceID == "" {
		return fmt.Errorf("setup.device_id is required")
	}

	if s.Setup.StartupTimeout < 0 {
		return fmt.Errorf("setup.startup_timeout cannot be negative")
	}

	if err := validateEvents(s.Events); err != nil {
		return fmt.Errorf("events validation failed: %w", err)
	}

	if err := validateWaitPeriods(s.Wait); err != nil {
		return fmt.Errorf("wait periods validation failed: %w", err)
	}

	if err := validateExpectations(s.Expectations); err != nil {
		return fmt.Errorf("expectations validation failed: %w", err)
	}

	return validateMethodReferences(s)
}

func validateEvents(events []DeviceEvent) error {
	for i, event := range events {
		if event.Time < 0 {
			return fmt.Errorf("event %d: time cannot be negative", i)
		}

		if event.Description == "" {
			return fmt.Errorf("event %d: description is required", i)
		}

		if event.Timeout < 0 {
			return fmt.Errorf("event %d: timeout cannot be negative", i)
		}

		switch event.Action {
		case ActionDesired:
			if len(event.Patch) == 0 {
				return fmt.Errorf("event %d: desired events require 'patch'", i)
			}
		case ActionMethod:
			if event.Method == "" {
				return fmt.Errorf("event %d: method events require 'method'", i)
			}
		case ActionMessage:
			if event.Payload == nil {
				return fmt.Errorf("event %d: c2d events require 'payload'", i)
			}
		default:
			return fmt.Errorf("event %d: unknown action %q", i, event.Action)
		}
	}

	return nil
}

func validateWaitPeriods(waits []WaitPeriod) error {
	for i, wait := range waits {
		if wait.Time < 0 {
			return fmt.Errorf("wait period %d: time cannot be negative", i)
		}

		if wait.Description == "" {
			return fmt.Errorf("wait period %d: description is required", i)
		}
	}

	return nil
}

func validateExpectations(expectations map[string][]Expectation) error {
	if len(expectations) == 0 {
		return fmt.Errorf("at least one expectation is required")
	}

	// Deterministic error messages
	layers := make([]string, 0, len(expectations))
	for layer := range expectations {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	for _, layer := range layers {
		if layer == "" {
			return fmt.Errorf("expectation layer name cannot be empty")
		}

		for i, exp := range expectations[layer] {
			if exp.Time < 0 {
				return fmt.Errorf("layer %s, expectation %d: time cannot be negative", layer, i)
			}

			switch exp.Kind() {
			case KindRedis:
				if exp.Expected == "" {
					return fmt.Errorf("layer %s, expectation %d: expected is required when redis_key is specified", layer, i)
				}
			case KindTwin:
				if exp.Twin != "desired" && exp.Twin != "reported" {
					return fmt.Errorf("layer %s, expectation %d: twin must be 'desired' or 'reported'", layer, i)
				}
				if len(exp.Payload) == 0 {
					return fmt.Errorf("layer %s, expectation %d: twin expectations require payload", layer, i)
				}
			case KindMethod:
				if exp.Status == 0 && len(exp.Payload) == 0 {
					return fmt.Errorf("layer %s, expectation %d: method expectations require status or payload", layer, i)
				}
			case KindTelemetry:
				if exp.MinCount < 0 {
					return fmt.Errorf("layer %s, expectation %d: min_count cannot be negative", layer, i)
				}
				if exp.MinCount == 0 && len(exp.Payload) == 0 {
					return fmt.Errorf("layer %s, expectation %d: telemetry expectations require payload or min_count", layer, i)
				}
			}
		}
	}

	return nil
}

// validateMethodReferences requires every method expectation to follow an
// event that invokes the same method
func validateMethodReferences(s *Scenario) error {
	invoked := make(map[string]int)
	for _, event := range s.Events {
		if event.Action != ActionMethod {
			continue
		}
		if t, ok := invoked[event.Method]; !ok || event.Time < t {
			invoked[event.Method] = event.Time
		}
	}

	for layer, exps := range s.Expectations {
		for i, exp := range exps {
			if exp.Kind() != KindMethod {
				continue
			}
			t, ok := invoked[exp.Method]
			if !ok {
				return fmt.Errorf("layer %s, expectation %d: method %q is never invoked", layer, i, exp.Method)
			}
			if exp.Time < t {
				return fmt.Errorf("layer %s, expectation %d: checked at %ds before method %q is invoked at %ds", layer, i, exp.Time, exp.Method, t)
			}
		}
	}

	return nil
}
