package hubclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

type topics struct {
	mu   sync.Mutex
	list []string
}

func (tp *topics) add(topic string, _ []byte) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.list = append(tp.list, topic)
}

func (tp *topics) all() []string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]string(nil), tp.list...)
}

func newClient(t *testing.T) (*hubsim.Hub, *Client, *topics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := hubsim.NewHub("localhost", redis.NewMemoryClient(), logger)
	published := &topics{}
	hub.SetPublisher(published.add)

	router := mux.NewRouter()
	hubsim.NewAPI(hub, logger).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return hub, New(server.URL+"/", server.Client()), published
}

func TestClient_SendMessage(t *testing.T) {
	hub, client, published := newClient(t)
	hub.Connected("dev1")

	id, err := client.SendMessage(context.Background(), "dev1", []byte("hello"), map[string]string{"color": "blue"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sent := published.all()
	require.Len(t, sent, 1)
	req, err := iothub.ParseC2DTopic(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "blue", req.Properties["color"])
	assert.Equal(t, id, req.Properties[iothub.PropMessageID])
}

func TestClient_Errors(t *testing.T) {
	_, client, _ := newClient(t)
	ctx := context.Background()

	_, err := client.Twin(ctx, "dev1")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Contains(t, statusErr.Body, "unknown device")

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = client.WaitForDevice(waitCtx, "dev1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestClient_DevicesAndTwin(t *testing.T) {
	hub, client, _ := newClient(t)
	hub.Connected("dev1")
	ctx := context.Background()

	require.NoError(t, client.WaitForDevice(ctx, "dev1", 10*time.Millisecond))

	devices, err := client.Devices(ctx)
	require.NoError(t, err)
	assert.Contains(t, devices, "dev1")

	version, err := client.SetDesired(ctx, "dev1", map[string]interface{}{"Test_count": 3})
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	twin, err := client.Twin(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), twin["desired"].(map[string]interface{})["Test_count"])
}
