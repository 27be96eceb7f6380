package pnp

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/internal/methods"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
)

// CommandGetMaxMinReport returns temperature statistics since a given time
const CommandGetMaxMinReport = "getMaxMinReport"

// Commands evaluates thermostat commands
type Commands struct {
	thermostat *Thermostat
	validator  *Validator
	now        func() time.Time
}

// NewCommands builds the command set for a thermostat
func NewCommands(thermostat *Thermostat, validator *Validator, now func() time.Time) *Commands {
	if now == nil {
		now = time.Now
	}
	return &Commands{thermostat: thermostat, validator: validator, now: now}
}

// Register adds the thermostat commands to a method registry
func (c *Commands) Register(r *methods.Registry) {
	r.Register(CommandGetMaxMinReport, c.GetMaxMinReport)
}

// GetMaxMinReport answers with max, min and average temperature. The payload
// is the JSON string "since", echoed back as startTime.
func (c *Commands) GetMaxMinReport(ctx context.Context, payload []byte) (iothub.Status, []byte) {
	if err := c.validator.ValidateSince(payload); err != nil {
		return iothub.StatusBadRequest, methods.EmptyResponse
	}
	var since string
	if err := json.Unmarshal(payload, &since); err != nil {
		return iothub.StatusBadRequest, methods.EmptyResponse
	}

	stats := c.thermostat.Snapshot()
	body, err := json.Marshal(iothub.Object{
		{Name: "maxTemp", Value: stats.Max},
		{Name: "minTemp", Value: stats.Min},
		{Name: "avgTemp", Value: stats.Avg},
		{Name: "startTime", Value: since},
		{Name: "endTime", Value: c.now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return iothub.StatusServerError, methods.EmptyResponse
	}
	return iothub.StatusOK, body
}
