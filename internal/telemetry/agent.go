package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

// payloadCycle is the number of distinct message numbers before they repeat
const payloadCycle = 5

type message struct {
	MessageNumber int `json:"message_number"`
}

// Payload returns the body of the i-th telemetry message (zero based)
func Payload(i int) ([]byte, error) {
	return json.Marshal(message{MessageNumber: i%payloadCycle + 1})
}

// Agent sends a fixed number of telemetry messages to IoT Hub
type Agent struct {
	mqtt   mqtt.Client
	store  redis.Client
	hub    *iothub.Client
	cfg    *config.Config
	logger *slog.Logger

	sent atomic.Int64
}

// NewAgent creates a new telemetry agent with the given dependencies
func NewAgent(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{
		mqtt:   mqttClient,
		store:  store,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
	}
}

// Start connects and publishes the configured number of messages.
// It returns once all messages are sent or ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting telemetry sample",
		"device_id", a.hub.DeviceID(),
		"count", a.cfg.TelemetryCount,
		"interval", a.cfg.TelemetryInterval())

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping state store: %w", err)
	}

	for i := 0; i < a.cfg.TelemetryCount; i++ {
		if err := a.send(ctx, i); err != nil {
			return err
		}

		if i == a.cfg.TelemetryCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			a.logger.Info("Telemetry sample stopping", "sent", a.sent.Load())
			return nil
		case <-time.After(a.cfg.TelemetryInterval()):
		}
	}

	a.logger.Info("All telemetry messages sent", "sent", a.sent.Load())
	return nil
}

func (a *Agent) send(ctx context.Context, i int) error {
	payload, err := Payload(i)
	if err != nil {
		return fmt.Errorf("failed to build telemetry payload: %w", err)
	}

	topic := a.hub.TelemetryTopic(iothub.Properties{
		iothub.PropMessageID:       uuid.NewString(),
		iothub.PropContentType:     "application/json",
		iothub.PropContentEncoding: "utf-8",
	})

	if err := a.mqtt.Publish(topic, 0, false, payload); err != nil {
		return fmt.Errorf("failed to publish telemetry message %d: %w", i+1, err)
	}
	sent := a.sent.Add(1)

	if err := a.store.HSet(ctx, redis.DeviceStatsKey(a.hub.DeviceID()), "telemetry_sent", sent); err != nil {
		a.logger.Warn("Failed to record telemetry count", "error", err)
	}

	a.logger.Info("Telemetry message sent", "number", i+1, "payload", string(payload))
	return nil
}

// Sent returns the number of messages published so far
func (a *Agent) Sent() int64 {
	return a.sent.Load()
}

// Stop gracefully stops the telemetry agent
func (a *Agent) Stop() error {
	a.logger.Info("Stopping telemetry sample")

	a.mqtt.Disconnect()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing state store", "error", err)
		return err
	}

	a.logger.Info("Telemetry sample stopped")
	return nil
}
