package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const createTelemetryTable = `CREATE TABLE IF NOT EXISTS device_telemetry
(id bigserial PRIMARY KEY,
device_id varchar NOT NULL,
properties json NOT NULL,
payload text NOT NULL,
received_at timestamp NOT NULL);
CREATE INDEX IF NOT EXISTS device_telemetry_device_idx ON device_telemetry (device_id, received_at);`

const insertTelemetry = `INSERT INTO device_telemetry (device_id, properties, payload, received_at) VALUES ($1, $2, $3, $4)`

// TelemetryRoute writes device-to-cloud messages to the device_telemetry table
type TelemetryRoute struct {
	client Client
}

// NewTelemetryRoute creates a route on a connected client
func NewTelemetryRoute(client Client) *TelemetryRoute {
	return &TelemetryRoute{client: client}
}

// EnsureSchema creates the telemetry table if it does not exist
func (r *TelemetryRoute) EnsureSchema(ctx context.Context) error {
	if _, err := r.client.Exec(ctx, createTelemetryTable); err != nil {
		return fmt.Errorf("failed to create telemetry table: %w", err)
	}
	return nil
}

// Insert stores one message. Properties are kept as a JSON object.
func (r *TelemetryRoute) Insert(ctx context.Context, deviceID string, props map[string]string, payload string, receivedAt time.Time) error {
	if props == nil {
		props = map[string]string{}
	}
	encoded, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if _, err := r.client.Exec(ctx, insertTelemetry, deviceID, string(encoded), payload, receivedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert telemetry for %s: %w", deviceID, err)
	}
	return nil
}
