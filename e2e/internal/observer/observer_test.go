package observer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
)

// fakeSource serves a fixed telemetry history, newest first
type fakeSource struct {
	mu      sync.Mutex
	records []hubsim.TelemetryRecord
	err     error
	calls   int
}

func (f *fakeSource) Telemetry(ctx context.Context, deviceID string, limit int) ([]hubsim.TelemetryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]hubsim.TelemetryRecord(nil), f.records...), nil
}

func (f *fakeSource) push(r hubsim.TelemetryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append([]hubsim.TelemetryRecord{r}, f.records...)
}

func newObserver(src TelemetrySource) *Observer {
	return NewObserver(src, "dev1", 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestObserver_PollDeduplicates(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{}
	src.push(hubsim.TelemetryRecord{DeviceID: "dev1", Payload: `{"message_number":1}`, ReceivedAt: base})
	src.push(hubsim.TelemetryRecord{DeviceID: "dev1", Payload: "not json", ReceivedAt: base.Add(time.Second)})

	obs := newObserver(src)
	ctx := context.Background()
	require.NoError(t, obs.Poll(ctx))
	require.NoError(t, obs.Poll(ctx))

	messages := obs.GetAllMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, map[string]interface{}{"message_number": float64(1)}, messages[0].Payload)
	assert.Equal(t, "not json", messages[1].Payload)

	src.push(hubsim.TelemetryRecord{DeviceID: "dev1", Payload: `{"message_number":2}`, ReceivedAt: base.Add(2 * time.Second)})
	require.NoError(t, obs.Poll(ctx))
	assert.Equal(t, 3, obs.GetMessageCount())
	assert.Len(t, obs.GetMessagesSince(base.Add(time.Second)), 2)
}

func TestObserver_PollError(t *testing.T) {
	obs := newObserver(&fakeSource{err: errors.New("boom")})
	err := obs.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestObserver_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{}
	src.push(hubsim.TelemetryRecord{DeviceID: "dev1", Payload: `{"a":1}`, ReceivedAt: time.Now()})

	obs := newObserver(src)
	obs.Start(context.Background())
	require.Eventually(t, func() bool { return obs.GetMessageCount() == 1 }, time.Second, 5*time.Millisecond)
	obs.Stop()
	obs.Stop()

	src.mu.Lock()
	assert.Positive(t, src.calls)
	src.mu.Unlock()
}

func TestObserver_SaveCapture(t *testing.T) {
	src := &fakeSource{}
	src.push(hubsim.TelemetryRecord{DeviceID: "dev1", Payload: `{"a":1}`, ReceivedAt: time.Now()})
	obs := newObserver(src)
	require.NoError(t, obs.Poll(context.Background()))

	path := filepath.Join(t.TempDir(), "captures", "run.json")
	require.NoError(t, obs.SaveCapture(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved []CapturedMessage
	require.NoError(t, json.Unmarshal(data, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, "dev1", saved[0].DeviceID)
}
