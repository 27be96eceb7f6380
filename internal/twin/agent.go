package twin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

const (
	// PropertyName is the desired and reported integer property
	PropertyName = "Test_count"

	getTwinRequestID  = "get_twin"
	reportedRequestID = "reported_prop"
)

// Agent mirrors the desired Test_count property back as a reported property
type Agent struct {
	mqtt   mqtt.Client
	store  redis.Client
	hub    *iothub.Client
	cfg    *config.Config
	logger *slog.Logger

	count    atomic.Int32
	reported atomic.Int64
	// signal has room for one pending report; further updates coalesce
	signal chan struct{}
}

// NewAgent creates a new twin agent with the given dependencies
func NewAgent(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{
		mqtt:   mqttClient,
		store:  store,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

// Start requests the twin and reports desired updates until the run duration elapses or ctx is done
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting twin sample",
		"device_id", a.hub.DeviceID(),
		"run_duration", a.cfg.RunDuration())

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping state store: %w", err)
	}
	a.restore(ctx)

	for _, topic := range []string{iothub.TwinPatchSubscribeTopic, iothub.TwinResponseSubscribeTopic} {
		if err := a.mqtt.Subscribe(topic, 1, a.handleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to twin topic %s: %w", topic, err)
		}
	}

	if err := a.mqtt.Publish(iothub.TwinDocumentTopic(getTwinRequestID), 0, false, nil); err != nil {
		return fmt.Errorf("failed to request twin document: %w", err)
	}
	a.logger.Info("Twin document requested", "request_id", getTwinRequestID)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunDuration())
	defer cancel()

	for {
		select {
		case <-runCtx.Done():
			a.logger.Info("Twin sample stopping", "reported", a.reported.Load())
			return nil
		case <-a.signal:
			if err := a.sendReported(runCtx); err != nil {
				a.logger.Error("Failed to send reported properties", "error", err)
			}
		}
	}
}

// restore loads the last persisted value
func (a *Agent) restore(ctx context.Context) {
	v, err := a.store.HGet(ctx, redis.DeviceTwinKey(a.hub.DeviceID()), PropertyName)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			a.logger.Warn("Failed to restore twin state", "error", err)
		}
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		a.logger.Warn("Ignoring invalid persisted value", "property", PropertyName, "value", v)
		return
	}
	a.count.Store(int32(n))
	a.logger.Info("Restored twin state", "property", PropertyName, "value", n)
}

// handleMessage processes twin responses and desired property patches
func (a *Agent) handleMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	resp, err := iothub.ParseTwinTopic(topic)
	if err != nil {
		a.logger.Error("Failed to parse twin topic", "topic", topic, "error", err)
		return
	}

	switch resp.Type {
	case iothub.TwinResponseGet:
		a.logger.Info("Twin document received", "request_id", resp.RequestID, "payload", string(payload))
	case iothub.TwinResponseDesired:
		a.logger.Info("Desired properties received", "version", resp.Version, "payload", string(payload))
		a.applyDesired(payload, resp.Version)
	case iothub.TwinResponseReported:
		a.logger.Info("Reported properties accepted", "request_id", resp.RequestID, "version", resp.Version)
	case iothub.TwinResponseError:
		a.logger.Warn("Twin request failed", "request_id", resp.RequestID, "status", int(resp.Status))
	}
}

func (a *Agent) applyDesired(payload []byte, topicVersion string) {
	value, version, err := iothub.ParseDesiredInt(payload, false, PropertyName)
	if err != nil {
		if errors.Is(err, iothub.ErrPropertyNotFound) {
			a.logger.Debug("Desired property not present", "property", PropertyName)
			return
		}
		a.logger.Error("Failed to parse desired property", "property", PropertyName, "error", err)
		return
	}

	a.count.Store(value)
	a.logger.Info("Desired property updated",
		"property", PropertyName,
		"value", value,
		"version", version,
		"topic_version", topicVersion)

	ctx := context.Background()
	key := redis.DeviceTwinKey(a.hub.DeviceID())
	if err := a.store.HSet(ctx, key, PropertyName, value); err != nil {
		a.logger.Warn("Failed to persist twin state", "error", err)
	}
	if err := a.store.HSet(ctx, key, "desired_version", version); err != nil {
		a.logger.Warn("Failed to persist twin version", "error", err)
	}

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// sendReported publishes {"Test_count":N}
func (a *Agent) sendReported(ctx context.Context) error {
	value := a.count.Load()
	payload, err := iothub.BuildReportedProperties(iothub.Property{Name: PropertyName, Value: value})
	if err != nil {
		return fmt.Errorf("failed to build reported properties: %w", err)
	}

	if err := a.mqtt.Publish(iothub.TwinPatchTopic(reportedRequestID), 0, false, payload); err != nil {
		return fmt.Errorf("failed to publish reported properties: %w", err)
	}
	a.reported.Add(1)

	a.logger.Info("Reported properties sent", "payload", string(payload))
	return nil
}

// Count returns the current Test_count value
func (a *Agent) Count() int32 {
	return a.count.Load()
}

// Stop gracefully stops the twin agent
func (a *Agent) Stop() error {
	a.logger.Info("Stopping twin sample")

	a.mqtt.Disconnect()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing state store", "error", err)
		return err
	}

	a.logger.Info("Twin sample stopped")
	return nil
}
