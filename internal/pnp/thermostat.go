package pnp

import "sync"

const (
	// ModelID is the Plug and Play model the device implements
	ModelID = "dtmi:com:example:Thermostat;1"

	// DefaultStartTemperature is the temperature reported before any update
	DefaultStartTemperature = 22.0
)

// Stats is a point-in-time view of the thermostat
type Stats struct {
	Current float64
	Max     float64
	Min     float64
	Avg     float64
	Count   int
}

// Thermostat tracks the current temperature and its running statistics.
// The starting temperature counts as the first sample.
type Thermostat struct {
	mu      sync.Mutex
	current float64
	max     float64
	min     float64
	sum     float64
	count   int
}

// NewThermostat returns a thermostat seeded with one sample
func NewThermostat(start float64) *Thermostat {
	return &Thermostat{
		current: start,
		max:     start,
		min:     start,
		sum:     start,
		count:   1,
	}
}

// Update records a new temperature and reports whether the maximum changed
func (t *Thermostat) Update(temperature float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = temperature
	maxChanged := false
	if temperature > t.max {
		t.max = temperature
		maxChanged = true
	} else if temperature < t.min {
		t.min = temperature
	}

	t.count++
	t.sum += temperature
	return maxChanged
}

// Snapshot returns the current statistics
func (t *Thermostat) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		Current: t.current,
		Max:     t.max,
		Min:     t.min,
		Avg:     t.sum / float64(t.count),
		Count:   t.count,
	}
}
