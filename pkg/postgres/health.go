package postgres

import (
	"context"
	"fmt"
	"time"
)

const (
	telemetryTableExists = `SELECT to_regclass('device_telemetry') IS NOT NULL`
	telemetryRowCount    = `SELECT count(*) FROM device_telemetry`
)

// HealthStatus describes the routing endpoint: whether the database answers
// and how much telemetry it holds
type HealthStatus struct {
	Connected      bool      `json:"connected"`
	Database       string    `json:"database"`
	TelemetryTable bool      `json:"telemetry_table"`
	TelemetryRows  int64     `json:"telemetry_rows"`
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// HealthCheck reports the connection and the state of the device_telemetry
// table. Problems are reported in the status, not as an error.
func (c *PostgresClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{
		Database:  c.config.PostgresDB,
		CheckedAt: time.Now().UTC(),
	}

	if c.db == nil {
		status.Error = "not connected"
		return status, nil
	}
	if err := c.db.PingContext(ctx); err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status, nil
	}
	status.Connected = true

	if err := c.db.QueryRowContext(ctx, telemetryTableExists).Scan(&status.TelemetryTable); err != nil {
		status.Error = fmt.Sprintf("failed to look up telemetry table: %v", err)
		return status, nil
	}
	if !status.TelemetryTable {
		return status, nil
	}
	if err := c.db.QueryRowContext(ctx, telemetryRowCount).Scan(&status.TelemetryRows); err != nil {
		status.Error = fmt.Sprintf("failed to count telemetry rows: %v", err)
	}
	return status, nil
}
