package hubsim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/provisioning"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

const hostname = "localhost"

type sent struct {
	topic   string
	payload []byte
}

// recorder captures everything the hub publishes
type recorder struct {
	mu       sync.Mutex
	messages []sent
}

func (r *recorder) publish(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, sent{topic: topic, payload: append([]byte(nil), payload...)})
}

func (r *recorder) last(t *testing.T) sent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.messages)
	return r.messages[len(r.messages)-1]
}

func newHub(t *testing.T, store redis.Client) (*Hub, *recorder) {
	t.Helper()
	if store == nil {
		store = redis.NewMemoryClient()
	}
	hub := NewHub(hostname, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	hub.SetPublisher(rec.publish)
	return hub, rec
}

func decodeMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHub_TwinGet(t *testing.T) {
	hub, rec := newHub(t, nil)
	ctx := context.Background()

	hub.HandleMessage(ctx, "dev1", iothub.TwinDocumentTopic("7"), nil)

	msg := rec.last(t)
	assert.Equal(t, "$iothub/twin/res/200/?$rid=7", msg.topic)
	want := map[string]any{
		"desired":  map[string]any{"$version": float64(1)},
		"reported": map[string]any{"$version": float64(1)},
	}
	if diff := cmp.Diff(want, decodeMap(t, msg.payload)); diff != "" {
		t.Errorf("twin document mismatch (-want +got):\n%s", diff)
	}
}

func TestHub_ReportedPatch(t *testing.T) {
	store := redis.NewMemoryClient()
	hub, rec := newHub(t, store)
	hub.Connected("dev1")
	ctx := context.Background()

	hub.HandleMessage(ctx, "dev1", iothub.TwinPatchTopic("3"), []byte(`{"Test_count":5,"nested":{"a":1,"keep":true}}`))
	assert.Equal(t, "$iothub/twin/res/204/?$rid=3&$version=2", rec.last(t).topic)

	hub.HandleMessage(ctx, "dev1", iothub.TwinPatchTopic("4"), []byte(`{"nested":{"a":null,"b":2}}`))
	resp, err := iothub.ParseTwinTopic(rec.last(t).topic)
	require.NoError(t, err)
	assert.Equal(t, iothub.TwinResponseReported, resp.Type)
	assert.Equal(t, "3", resp.Version)

	doc, err := hub.Twin(ctx, "dev1")
	require.NoError(t, err)
	want := map[string]any{
		"desired": map[string]any{"$version": 1},
		"reported": map[string]any{
			"Test_count": float64(5),
			"nested":     map[string]any{"keep": true, "b": float64(2)},
			"$version":   3,
		},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("twin mismatch (-want +got):\n%s", diff)
	}

	// A fresh hub on the same store sees the persisted twin
	restarted, _ := newHub(t, store)
	restarted.Connected("dev1")
	again, err := restarted.Twin(ctx, "dev1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, again); diff != "" {
		t.Errorf("restored twin mismatch (-want +got):\n%s", diff)
	}
}

func TestHub_ReportedPatchInvalid(t *testing.T) {
	hub, rec := newHub(t, nil)

	hub.HandleMessage(context.Background(), "dev1", iothub.TwinPatchTopic("5"), []byte(`[1,2]`))
	assert.Equal(t, "$iothub/twin/res/400/?$rid=5", rec.last(t).topic)
}

func TestHub_SetDesired(t *testing.T) {
	hub, rec := newHub(t, nil)
	ctx := context.Background()

	_, err := hub.SetDesired(ctx, "dev1", map[string]any{"Test_count": 1})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	hub.Connected("dev1")
	version, err := hub.SetDesired(ctx, "dev1", map[string]any{"targetTemperature": 47.5})
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	msg := rec.last(t)
	assert.Equal(t, "$iothub/twin/PATCH/properties/desired/?$version=2", msg.topic)

	temperature, av, err := iothub.ParseDesiredFloat(msg.payload, false, "targetTemperature")
	require.NoError(t, err)
	assert.Equal(t, 47.5, temperature)
	assert.Equal(t, int32(2), av)
}

func TestHub_NoPublisher(t *testing.T) {
	hub := NewHub(hostname, redis.NewMemoryClient(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	hub.Connected("dev1")

	_, err := hub.SetDesired(context.Background(), "dev1", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrNoPublisher)
}

func TestHub_InvokeMethod(t *testing.T) {
	hub, _ := newHub(t, nil)
	hub.Connected("dev1")
	ctx := context.Background()

	// The device answers synchronously from the publish callback
	hub.SetPublisher(func(topic string, payload []byte) {
		req, err := iothub.ParseMethodTopic(topic)
		if err != nil {
			return
		}
		hub.HandleMessage(ctx, "dev1", iothub.MethodResponseTopic(req.RequestID, iothub.StatusOK), []byte(`{"response":"pong"}`))
	})

	result, err := hub.InvokeMethod(ctx, "dev1", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, iothub.StatusOK, result.Status)
	assert.JSONEq(t, `{"response":"pong"}`, string(result.Payload))

	_, err = hub.InvokeMethod(ctx, "nope", "ping", nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestHub_InvokeMethodTimeout(t *testing.T) {
	hub, rec := newHub(t, nil)
	hub.Connected("dev1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := hub.InvokeMethod(ctx, "dev1", "reboot", []byte(`{"delay":1}`))
	assert.ErrorIs(t, err, ErrMethodTimeout)

	msg := rec.last(t)
	assert.Equal(t, "$iothub/methods/POST/reboot/?$rid=0", msg.topic)
	assert.Equal(t, `{"delay":1}`, string(msg.payload))
	assert.Empty(t, hub.pending)

	// A late response is dropped without blocking
	hub.HandleMessage(context.Background(), "dev1", iothub.MethodResponseTopic("0", iothub.StatusOK), []byte(`{}`))
}

func TestHub_SendC2D(t *testing.T) {
	hub, rec := newHub(t, nil)

	_, err := hub.SendC2D("dev1", []byte("hi"), nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	hub.Connected("dev1")
	id, err := hub.SendC2D("dev1", []byte("hello world"), iothub.Properties{"color": "blue"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg := rec.last(t)
	req, err := iothub.ParseC2DTopic(msg.topic)
	require.NoError(t, err)
	assert.Equal(t, "dev1", req.DeviceID)
	assert.Equal(t, id, req.Properties[iothub.PropMessageID])
	assert.Equal(t, "/devices/dev1/messages/deviceBound", req.Properties[iothub.PropTo])
	assert.Equal(t, "blue", req.Properties["color"])
	assert.Equal(t, "hello world", string(msg.payload))
}

func TestHub_Telemetry(t *testing.T) {
	hub, _ := newHub(t, nil)
	ctx := context.Background()

	client, err := iothub.NewClient(hostname, "dev1")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		topic := client.TelemetryTopic(iothub.Properties{iothub.PropContentType: "application/json"})
		hub.HandleMessage(ctx, "dev1", topic, []byte(fmt.Sprintf(`{"message_number":%d}`, i)))
	}

	records, err := hub.Telemetry(ctx, "dev1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, `{"message_number":3}`, records[0].Payload)
	assert.Equal(t, `{"message_number":2}`, records[1].Payload)
	assert.Equal(t, "application/json", records[0].Properties[iothub.PropContentType])

	all, err := hub.Telemetry(ctx, "dev1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestHub_Provisioning(t *testing.T) {
	hub, rec := newHub(t, nil)
	ctx := context.Background()

	dps, err := provisioning.NewClient(provisioning.GlobalEndpoint, "0ne000A1B2C", "reg-1")
	require.NoError(t, err)
	payload, err := dps.RegistrationPayload()
	require.NoError(t, err)

	hub.HandleMessage(ctx, "reg-1", dps.RegisterTopic("0"), payload)
	msg := rec.last(t)
	resp, err := provisioning.ParseResponse(msg.topic, msg.payload)
	require.NoError(t, err)
	assert.Equal(t, iothub.StatusAccepted, resp.Status)
	assert.Equal(t, provisioning.StatusAssigning, resp.OperationStatus)
	assert.Equal(t, time.Second, resp.RetryAfter)
	require.NotEmpty(t, resp.OperationID)

	hub.HandleMessage(ctx, "reg-1", dps.QueryStatusTopic("1", resp.OperationID), nil)
	msg = rec.last(t)
	resp, err = provisioning.ParseResponse(msg.topic, msg.payload)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.RequestID)
	assert.Equal(t, provisioning.StatusAssigned, resp.OperationStatus)
	require.NotNil(t, resp.State)
	assert.Equal(t, hostname, resp.State.AssignedHub)
	assert.Equal(t, "reg-1", resp.State.DeviceID)

	hub.HandleMessage(ctx, "reg-1", dps.QueryStatusTopic("2", "missing"), nil)
	msg = rec.last(t)
	resp, err = provisioning.ParseResponse(msg.topic, msg.payload)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusFailed, resp.OperationStatus)
	assert.Equal(t, 404201, resp.ErrorCode)
}

func TestHub_ProvisioningEncodeFailure(t *testing.T) {
	hub, rec := newHub(t, nil)

	hub.replyDPS(iothub.StatusOK, "4", 0, map[string]any{"bad": math.NaN()})

	msg := rec.last(t)
	assert.Equal(t, provisioning.ResponseTopic(iothub.StatusServerError, "4", 0), msg.topic)
	assert.Equal(t, "{}", string(msg.payload))
}

func TestMergePatch(t *testing.T) {
	dst := map[string]any{"a": 1, "b": map[string]any{"c": 2, "d": 3}, "e": "x"}
	mergePatch(dst, map[string]any{
		"$version": 9,
		"a":        nil,
		"b":        map[string]any{"c": nil, "f": 4},
		"e":        map[string]any{"g": 5},
	})

	want := map[string]any{
		"b": map[string]any{"d": 3, "f": 4},
		"e": map[string]any{"g": 5},
	}
	if diff := cmp.Diff(want, dst); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestHub_TelemetryRoutes(t *testing.T) {
	hub, _ := newHub(t, nil)
	ctx := context.Background()

	var routed []TelemetryRecord
	hub.AddRoute(func(ctx context.Context, r TelemetryRecord) error {
		routed = append(routed, r)
		return nil
	})
	hub.AddRoute(func(ctx context.Context, r TelemetryRecord) error {
		return fmt.Errorf("endpoint unavailable")
	})

	hub.HandleMessage(ctx, "dev1", "devices/dev1/messages/events/$.ct=application%2Fjson", []byte(`{"temperature":22}`))

	require.Len(t, routed, 1)
	assert.Equal(t, "dev1", routed[0].DeviceID)
	assert.Equal(t, `{"temperature":22}`, routed[0].Payload)
	assert.Equal(t, "application/json", routed[0].Properties[iothub.PropContentType])

	// A failing route does not lose the stored copy
	records, err := hub.Telemetry(ctx, "dev1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
