package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
)

// CapturedMessage is one device-to-cloud message seen by the simulator
type CapturedMessage struct {
	Timestamp  time.Time         `json:"timestamp"`
	DeviceID   string            `json:"device_id"`
	Properties map[string]string `json:"properties,omitempty"`
	Payload    interface{}       `json:"payload"`
}

// TelemetrySource returns recent telemetry for a device, newest first
type TelemetrySource interface {
	Telemetry(ctx context.Context, deviceID string, limit int) ([]hubsim.TelemetryRecord, error)
}

// Observer captures the telemetry a device sends to the simulator
type Observer struct {
	source   TelemetrySource
	deviceID string
	interval time.Duration
	logger   *slog.Logger

	mutex     sync.RWMutex
	messages  []CapturedMessage
	lastSeen  time.Time
	startTime time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewObserver creates an observer that polls source every interval
func NewObserver(source TelemetrySource, deviceID string, interval time.Duration, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Observer{
		source:   source,
		deviceID: deviceID,
		interval: interval,
		logger:   logger,
		messages: make([]CapturedMessage, 0),
	}
}

// Start begins polling in the background until Stop is called or ctx ends
func (o *Observer) Start(ctx context.Context) {
	o.mutex.Lock()
	o.startTime = time.Now()
	o.mutex.Unlock()

	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})

	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			if err := o.Poll(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Telemetry poll failed", "device_id", o.deviceID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Poll fetches telemetry once and captures messages not seen before
func (o *Observer) Poll(ctx context.Context) error {
	records, err := o.source.Telemetry(ctx, o.deviceID, 0)
	if err != nil {
		return fmt.Errorf("failed to fetch telemetry: %w", err)
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	// Records arrive newest first
	added := 0
	newest := o.lastSeen
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if !r.ReceivedAt.After(o.lastSeen) {
			continue
		}

		var payload interface{}
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			payload = r.Payload
		}
		o.messages = append(o.messages, CapturedMessage{
			Timestamp:  r.ReceivedAt,
			DeviceID:   r.DeviceID,
			Properties: r.Properties,
			Payload:    payload,
		})
		if r.ReceivedAt.After(newest) {
			newest = r.ReceivedAt
		}
		added++

		o.logger.Debug("Telemetry captured",
			"elapsed", fmt.Sprintf("%.2fs", r.ReceivedAt.Sub(o.startTime).Seconds()),
			"payload", r.Payload)
	}
	o.lastSeen = newest

	if added > 0 {
		o.logger.Debug("Telemetry poll", "device_id", o.deviceID, "new_messages", added)
	}
	return nil
}

// GetMessagesSince returns messages received at or after since
func (o *Observer) GetMessagesSince(since time.Time) []CapturedMessage {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	var matches []CapturedMessage
	for _, msg := range o.messages {
		if !msg.Timestamp.Before(since) {
			matches = append(matches, msg)
		}
	}
	return matches
}

// GetAllMessages returns a copy of all captured messages, oldest first
func (o *Observer) GetAllMessages() []CapturedMessage {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	messages := make([]CapturedMessage, len(o.messages))
	copy(messages, o.messages)
	return messages
}

// GetMessageCount returns the number of captured messages
func (o *Observer) GetMessageCount() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return len(o.messages)
}

// SaveCapture saves all captured messages to a JSON file
func (o *Observer) SaveCapture(filename string) error {
	o.mutex.RLock()
	data, err := json.MarshalIndent(o.messages, "", "  ")
	count := len(o.messages)
	o.mutex.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	if err := saveToFile(filename, data); err != nil {
		return fmt.Errorf("failed to save capture: %w", err)
	}

	o.logger.Info("Saved telemetry capture", "messages", count, "file", filename)
	return nil
}

// Stop ends polling and waits for the poller to exit
func (o *Observer) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.cancel = nil
}
