package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
)

func TestHealthCheck_NotConnected(t *testing.T) {
	cfg := config.NewConfig()
	cfg.PostgresDB = "telemetry"
	client := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	status, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.False(t, status.TelemetryTable)
	assert.Zero(t, status.TelemetryRows)
	assert.Equal(t, "telemetry", status.Database)
	assert.Equal(t, "not connected", status.Error)
	assert.False(t, status.CheckedAt.IsZero())
	assert.False(t, client.IsConnected())
}
