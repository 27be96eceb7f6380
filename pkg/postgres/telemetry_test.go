package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	query string
	args  []interface{}
}

// fakeClient records Exec calls
type fakeClient struct {
	calls []execCall
	err   error
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Disconnect() error                 { return nil }
func (f *fakeClient) IsConnected() bool                 { return true }
func (f *fakeClient) Ping(ctx context.Context) error    { return nil }

func (f *fakeClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Connected: true}, nil
}

func (f *fakeClient) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: query, args: args})
	if f.err != nil {
		return nil, f.err
	}
	return driverResult(1), nil
}

type driverResult int64

func (r driverResult) LastInsertId() (int64, error) { return 0, nil }
func (r driverResult) RowsAffected() (int64, error) { return int64(r), nil }

func TestTelemetryRoute_Insert(t *testing.T) {
	client := &fakeClient{}
	route := NewTelemetryRoute(client)
	ctx := context.Background()

	require.NoError(t, route.EnsureSchema(ctx))
	require.Len(t, client.calls, 1)
	assert.Contains(t, client.calls[0].query, "CREATE TABLE IF NOT EXISTS device_telemetry")

	at := time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	require.NoError(t, route.Insert(ctx, "dev1", map[string]string{"$.ct": "application/json"}, `{"temperature":22}`, at))
	require.NoError(t, route.Insert(ctx, "dev1", nil, "x", at))

	require.Len(t, client.calls, 3)
	assert.Equal(t, insertTelemetry, client.calls[1].query)
	assert.Equal(t, []interface{}{"dev1", `{"$.ct":"application/json"}`, `{"temperature":22}`, at.UTC()}, client.calls[1].args)
	assert.Equal(t, "{}", client.calls[2].args[1])
}

func TestTelemetryRoute_Errors(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	route := NewTelemetryRoute(client)

	err := route.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create telemetry table")

	err = route.Insert(context.Background(), "dev1", nil, "x", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPostgresClient_NotConnected(t *testing.T) {
	client := NewClient(nil, nil)
	assert.False(t, client.IsConnected())

	_, err := client.Exec(context.Background(), "SELECT 1")
	assert.Error(t, err)
	assert.Error(t, client.Ping(context.Background()))
	assert.NoError(t, client.Disconnect())
}
