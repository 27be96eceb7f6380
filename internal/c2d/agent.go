package c2d

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

// historySize is how many recent messages are kept in the state store
const historySize = 20

// Message is a received cloud-to-device message
type Message struct {
	Topic      string            `json:"topic"`
	Properties map[string]string `json:"properties"`
	Payload    string            `json:"payload"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Agent subscribes to cloud-to-device messages and logs each one
type Agent struct {
	mqtt   mqtt.Client
	store  redis.Client
	hub    *iothub.Client
	cfg    *config.Config
	logger *slog.Logger

	received atomic.Int64
	// OnMessage, when set, is called for every parsed message
	OnMessage func(Message)
}

// NewAgent creates a new cloud-to-device agent with the given dependencies
func NewAgent(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{
		mqtt:   mqttClient,
		store:  store,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
	}
}

// Start subscribes and processes messages until the run duration elapses or ctx is done
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting C2D sample",
		"device_id", a.hub.DeviceID(),
		"run_duration", a.cfg.RunDuration())

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping state store: %w", err)
	}

	topic := a.hub.C2DSubscribeTopic()
	if err := a.mqtt.Subscribe(topic, 1, a.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to C2D topic: %w", err)
	}

	a.logger.Info("C2D sample ready to receive messages", "topic", topic)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunDuration())
	defer cancel()
	<-runCtx.Done()

	a.logger.Info("C2D sample stopping", "received", a.received.Load())
	return nil
}

// handleMessage processes incoming cloud-to-device messages
func (a *Agent) handleMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	req, err := iothub.ParseC2DTopic(topic)
	if err != nil {
		a.logger.Error("Failed to parse C2D topic", "topic", topic, "error", err)
		return
	}

	m := Message{
		Topic:      topic,
		Properties: req.Properties,
		Payload:    string(payload),
		ReceivedAt: time.Now().UTC(),
	}
	n := a.received.Add(1)

	a.logger.Info("C2D message received",
		"number", n,
		"message_id", req.Properties[iothub.PropMessageID],
		"properties", len(req.Properties),
		"payload", m.Payload)

	if err := a.record(context.Background(), m); err != nil {
		a.logger.Warn("Failed to record C2D message", "error", err)
	}

	if a.OnMessage != nil {
		a.OnMessage(m)
	}
}

func (a *Agent) record(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	key := redis.DeviceMessagesKey(a.hub.DeviceID())
	if err := a.store.LPush(ctx, key, string(data)); err != nil {
		return err
	}
	return a.store.LTrim(ctx, key, 0, historySize-1)
}

// Recent returns the stored messages, newest first
func (a *Agent) Recent(ctx context.Context) ([]Message, error) {
	raw, err := a.store.LRange(ctx, redis.DeviceMessagesKey(a.hub.DeviceID()), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	var errs []error
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

// Received returns the number of messages handled so far
func (a *Agent) Received() int64 {
	return a.received.Load()
}

// Stop gracefully stops the cloud-to-device agent
func (a *Agent) Stop() error {
	a.logger.Info("Stopping C2D sample")

	a.mqtt.Disconnect()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing state store", "error", err)
		return err
	}

	a.logger.Info("C2D sample stopped")
	return nil
}
