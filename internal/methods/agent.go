package methods

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

// Agent answers direct method invocations
type Agent struct {
	mqtt     mqtt.Client
	store    redis.Client
	hub      *iothub.Client
	registry *Registry
	cfg      *config.Config
	logger   *slog.Logger

	invoked atomic.Int64
}

// NewAgent creates a methods agent that answers "ping"
func NewAgent(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) *Agent {
	registry := NewRegistry()
	registry.Register("ping", Ping)

	return &Agent{
		mqtt:     mqttClient,
		store:    store,
		hub:      hub,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Registry exposes the method table so callers can add handlers
func (a *Agent) Registry() *Registry {
	return a.registry
}

// Start subscribes to method requests until the run duration elapses or ctx is done
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting methods sample",
		"device_id", a.hub.DeviceID(),
		"run_duration", a.cfg.RunDuration())

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping state store: %w", err)
	}

	if err := a.mqtt.Subscribe(iothub.MethodsSubscribeTopic, 0, a.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to methods topic: %w", err)
	}

	a.logger.Info("Methods sample ready to receive invocations", "topic", iothub.MethodsSubscribeTopic)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunDuration())
	defer cancel()
	<-runCtx.Done()

	a.logger.Info("Methods sample stopping", "invoked", a.invoked.Load())
	return nil
}

// handleMessage dispatches a method request and publishes the response
func (a *Agent) handleMessage(msg mqtt.Message) {
	topic := msg.Topic()

	req, err := iothub.ParseMethodTopic(topic)
	if err != nil {
		a.logger.Error("Failed to parse method topic", "topic", topic, "error", err)
		return
	}

	ctx := context.Background()
	status, body := a.registry.Invoke(ctx, req.Name, msg.Payload())
	a.invoked.Add(1)

	a.logger.Info("Direct method invoked",
		"method", req.Name,
		"request_id", req.RequestID,
		"status", int(status))

	if err := a.mqtt.Publish(iothub.MethodResponseTopic(req.RequestID, status), 0, false, body); err != nil {
		a.logger.Error("Failed to publish method response", "method", req.Name, "error", err)
		return
	}

	if err := a.store.HSet(ctx, redis.DeviceStatsKey(a.hub.DeviceID()), "last_method", req.Name); err != nil {
		a.logger.Warn("Failed to record method invocation", "error", err)
	}
}

// Stop gracefully stops the methods agent
func (a *Agent) Stop() error {
	a.logger.Info("Stopping methods sample")

	a.mqtt.Disconnect()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing state store", "error", err)
		return err
	}

	a.logger.Info("Methods sample stopped")
	return nil
}
