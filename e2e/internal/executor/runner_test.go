package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/iothub-device-samples/e2e/internal/hubclient"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/scenario"
	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

const deviceID = "dev1"

// simulator runs the hub and its control API in process. The device side
// answers from the publish callback the way a twin sample would.
func simulator(t *testing.T, store redis.Client) (*hubsim.Hub, *hubclient.Client) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	hub := hubsim.NewHub("localhost", redis.NewMemoryClient(), logger)
	hub.SetPublisher(func(topic string, payload []byte) {
		if req, err := iothub.ParseMethodTopic(topic); err == nil {
			status, body := iothub.StatusNotFound, []byte(`{}`)
			if req.Name == "ping" {
				status, body = iothub.StatusOK, []byte(`{"response":"pong"}`)
			}
			hub.HandleMessage(ctx, deviceID, iothub.MethodResponseTopic(req.RequestID, status), body)
			return
		}
		if strings.HasPrefix(topic, "$iothub/twin/PATCH/properties/desired/") {
			var patch map[string]interface{}
			require.NoError(t, json.Unmarshal(payload, &patch))
			delete(patch, "$version")
			for k, v := range patch {
				require.NoError(t, store.HSet(ctx, redis.DeviceTwinKey(deviceID), k, fmt.Sprint(v)))
			}
			reported, err := json.Marshal(patch)
			require.NoError(t, err)
			hub.HandleMessage(ctx, deviceID, iothub.TwinPatchTopic("1"), reported)
		}
	})

	router := mux.NewRouter()
	hubsim.NewAPI(hub, logger).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return hub, hubclient.New(server.URL, server.Client())
}

func TestRunner_Run(t *testing.T) {
	store := redis.NewMemoryClient()
	hub, api := simulator(t, store)
	hub.Connected(deviceID)
	hub.HandleMessage(context.Background(), deviceID, "devices/dev1/messages/events/", []byte(`{"message_number":3}`))

	s, err := scenario.LoadScenarioFromBytes([]byte(`
name: in-process
description: desired, method and telemetry checks
setup:
  device_id: dev1
  desired:
    Test_count: 1
events:
  - time: 0
    action: desired
    patch:
      Test_count: 7
    description: update count
  - time: 0
    action: method
    method: ping
    description: ping
expectations:
  twin:
    - time: 0
      twin: reported
      payload:
        Test_count: 7
    - time: 0
      twin: desired
      payload:
        Test_count: 7
        $version: 3
  methods:
    - time: 1
      method: ping
      status: 200
      payload:
        response: pong
  telemetry:
    - time: 0
      min_count: 1
      payload:
        message_number: "<=5"
  state:
    - time: 0
      redis_key: device:dev1:twin
      redis_field: Test_count
      expected: "7"
`))
	require.NoError(t, err)

	runner := NewRunner(api, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	result, timeline, err := runner.Run(context.Background(), s)
	require.NoError(t, err)

	for _, r := range result.Expectations {
		assert.True(t, r.Passed, "%s %s: %s", r.Layer, r.Expectation.Describe(), r.Reason)
	}
	assert.True(t, result.Passed)
	assert.Equal(t, 5, result.PassedCount)
	assert.Zero(t, result.FailedCount)
	assert.Len(t, timeline, 7)
}

func TestRunner_Failures(t *testing.T) {
	hub, api := simulator(t, redis.NewMemoryClient())
	hub.Connected(deviceID)

	s, err := scenario.LoadScenarioFromBytes([]byte(`
name: failing
description: nothing happens
setup:
  device_id: dev1
events:
  - time: 0
    action: method
    method: reboot
    timeout: 5
    description: unknown
expectations:
  methods:
    - time: 1
      method: reboot
      status: 200
  telemetry:
    - time: 0
      min_count: 1
  state:
    - time: 0
      redis_key: device:dev1:stats
      redis_field: last_method
      expected: reboot
`))
	require.NoError(t, err)

	runner := NewRunner(api, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	result, _, err := runner.Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.Equal(t, 3, result.FailedCount)

	reasons := map[string]string{}
	for _, r := range result.Expectations {
		reasons[r.Layer] = r.Reason
	}
	assert.Equal(t, "expected status 200, got 404", reasons["methods"])
	assert.Equal(t, "no telemetry received", reasons["telemetry"])
	assert.Equal(t, "redis is not configured", reasons["state"])
}

func TestRunner_DeviceNeverConnects(t *testing.T) {
	_, api := simulator(t, redis.NewMemoryClient())

	s := &scenario.Scenario{
		Name:         "absent",
		Setup:        scenario.SetupConfig{DeviceID: deviceID, StartupTimeout: 1},
		Expectations: map[string][]scenario.Expectation{"telemetry": {{MinCount: 1}}},
	}

	runner := NewRunner(api, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, _, err := runner.Run(context.Background(), s)
	assert.ErrorIs(t, err, hubclient.ErrDeviceNotConnected)
}

func TestWaitUntil(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitUntil(context.Background(), start.Add(-time.Hour), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitUntil(ctx, start, 60), context.Canceled)
}
