package scenario

import (
	"fmt"
	"time"
)

// Event actions
const (
	ActionDesired = "desired"
	ActionMethod  = "method"
	ActionMessage = "c2d"
)

// Expectation kinds
const (
	KindTelemetry = "telemetry"
	KindTwin      = "twin"
	KindMethod    = "method"
	KindRedis     = "redis"
)

// Scenario represents a complete E2E test scenario run against the hub simulator
type Scenario struct {
	Name         string                   `yaml:"name"`
	Description  string                   `yaml:"description"`
	Setup        SetupConfig              `yaml:"setup"`
	Events       []DeviceEvent            `yaml:"events"`
	Wait         []WaitPeriod             `yaml:"wait"`
	Expectations map[string][]Expectation `yaml:"expectations"`
}

// SetupConfig defines the device under test and its initial twin state
type SetupConfig struct {
	DeviceID       string                 `yaml:"device_id"`
	StartupTimeout int                    `yaml:"startup_timeout"` // Seconds to wait for the device to connect
	Desired        map[string]interface{} `yaml:"desired,omitempty"`
}

// DeviceEvent is a service-side action taken against the device during the test
type DeviceEvent struct {
	Time        int                    `yaml:"time"`   // Seconds from start
	Action      string                 `yaml:"action"` // desired, method or c2d
	Method      string                 `yaml:"method,omitempty"`
	Timeout     int                    `yaml:"timeout,omitempty"` // Method response timeout in seconds
	Payload     interface{}            `yaml:"payload,omitempty"`
	Properties  map[string]string      `yaml:"properties,omitempty"` // Application properties of a c2d message
	Patch       map[string]interface{} `yaml:"patch,omitempty"`      // Desired property patch
	Description string                 `yaml:"description"`
}

// Summary describes the event for logs and timelines
func (e *DeviceEvent) Summary() string {
	switch e.Action {
	case ActionDesired:
		return fmt.Sprintf("desired %v (%s)", e.Patch, e.Description)
	case ActionMethod:
		return fmt.Sprintf("method %s (%s)", e.Method, e.Description)
	default:
		return fmt.Sprintf("%s (%s)", e.Action, e.Description)
	}
}

// WaitPeriod represents a pause in the scenario
type WaitPeriod struct {
	Time        int    `yaml:"time"` // Seconds from start
	Description string `yaml:"description"`
}

// Expectation represents an expected outcome to verify
type Expectation struct {
	Time    int                    `yaml:"time"`              // Seconds from start
	Payload map[string]interface{} `yaml:"payload,omitempty"` // Expected fields (supports special matchers)

	// Twin checks match Payload against the "desired" or "reported" section
	Twin string `yaml:"twin,omitempty"`

	// Method checks match the last response to an invoked method
	Method string `yaml:"method,omitempty"`
	Status int    `yaml:"status,omitempty"`

	// Telemetry checks may also require a minimum number of messages
	MinCount int `yaml:"min_count,omitempty"`

	// Redis state checks against the sample's state store
	RedisKey   string `yaml:"redis_key,omitempty"`
	RedisField string `yaml:"redis_field,omitempty"`
	Expected   string `yaml:"expected,omitempty"`
}

// Kind returns the expectation kind
func (e *Expectation) Kind() string {
	switch {
	case e.RedisKey != "":
		return KindRedis
	case e.Method != "":
		return KindMethod
	case e.Twin != "":
		return KindTwin
	default:
		return KindTelemetry
	}
}

// Describe returns a one-line description of what is checked
func (e *Expectation) Describe() string {
	switch e.Kind() {
	case KindRedis:
		if e.RedisField != "" {
			return fmt.Sprintf("redis %s[%s]", e.RedisKey, e.RedisField)
		}
		return "redis " + e.RedisKey
	case KindMethod:
		return "method " + e.Method
	case KindTwin:
		return "twin " + e.Twin
	default:
		return "telemetry"
	}
}

// TestResult represents the outcome of running a scenario
type TestResult struct {
	Scenario     *Scenario           `json:"scenario"`
	StartTime    time.Time           `json:"start_time"`
	EndTime      time.Time           `json:"end_time"`
	Passed       bool                `json:"passed"`
	PassedCount  int                 `json:"passed_count"`
	FailedCount  int                 `json:"failed_count"`
	Expectations []ExpectationResult `json:"expectations"`
}

// ExpectationResult represents the result of checking a single expectation
type ExpectationResult struct {
	Layer       string      `json:"layer"`
	Expectation Expectation `json:"expectation"`
	Passed      bool        `json:"passed"`
	Reason      string      `json:"reason,omitempty"`
	Actual      interface{} `json:"actual,omitempty"`
}
