package pnp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/saaga0h/iothub-device-samples/internal/methods"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

// ErrConnectionLost ends the worker when the MQTT client has given up
// reconnecting
var ErrConnectionLost = errors.New("connection to IoT Hub lost")

const connectionCheckInterval = time.Second

const (
	// PropertyTargetTemperature is the writable desired property
	PropertyTargetTemperature = "targetTemperature"
	// PropertyMaxTemperature is the read-only reported property
	PropertyMaxTemperature = "maxTempSinceLastReboot"
)

// Agent is a Plug and Play thermostat. MQTT callbacks classify messages and
// queue events; a single worker applies them and publishes responses.
type Agent struct {
	mqtt   mqtt.Client
	store  redis.Client
	hub    *iothub.Client
	cfg    *config.Config
	logger *slog.Logger

	thermostat *Thermostat
	validator  *Validator
	commands   *methods.Registry
	queue      *Queue
	requestIDs iothub.RequestIDs
	connCheck  time.Duration
}

// NewAgent creates a new thermostat agent with the given dependencies
func NewAgent(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	thermostat := NewThermostat(DefaultStartTemperature)
	commands := methods.NewRegistry()
	NewCommands(thermostat, validator, time.Now).Register(commands)

	return &Agent{
		mqtt:       mqttClient,
		store:      store,
		hub:        hub,
		cfg:        cfg,
		logger:     logger,
		thermostat: thermostat,
		validator:  validator,
		commands:   commands,
		queue:      NewQueue(cfg.EventQueueSize, DefaultEnqueueTimeout),
		connCheck:  connectionCheckInterval,
	}, nil
}

// Thermostat exposes the device state
func (a *Agent) Thermostat() *Thermostat {
	return a.thermostat
}

// Start connects, requests the twin and runs the worker until the run
// duration elapses or ctx is done
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting PnP thermostat sample",
		"device_id", a.hub.DeviceID(),
		"model_id", a.hub.ModelID(),
		"run_duration", a.cfg.RunDuration())

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping state store: %w", err)
	}

	topics := []string{
		iothub.MethodsSubscribeTopic,
		iothub.TwinPatchSubscribeTopic,
		iothub.TwinResponseSubscribeTopic,
	}
	for _, topic := range topics {
		if err := a.mqtt.Subscribe(topic, 1, a.handleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	rid := a.requestIDs.Next()
	if err := a.mqtt.Publish(iothub.TwinDocumentTopic(rid), 0, false, nil); err != nil {
		return fmt.Errorf("failed to request twin document: %w", err)
	}
	a.logger.Info("Twin document requested", "request_id", rid)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunDuration())
	defer cancel()

	return a.run(runCtx)
}

// run is the worker loop. It ends with ctx or when the connection is gone
// for good; paho reports a reconnecting client as connected.
func (a *Agent) run(ctx context.Context) error {
	var tick <-chan time.Time
	if interval := a.cfg.TelemetryInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	connTicker := time.NewTicker(a.connCheck)
	defer connTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("PnP thermostat sample stopping", "pending_events", a.queue.Len())
			return nil
		case <-connTicker.C:
			if !a.mqtt.IsConnected() {
				a.logger.Error("MQTT connection lost, stopping worker", "pending_events", a.queue.Len())
				return ErrConnectionLost
			}
		case ev := <-a.queue.Events():
			if err := a.process(ctx, ev); err != nil {
				a.logger.Error("Failed to process event", "kind", ev.Kind.String(), "error", err)
			}
		case <-tick:
			if err := a.sendTelemetry(); err != nil {
				a.logger.Error("Failed to send telemetry", "error", err)
			}
		}
	}
}

// handleMessage routes an incoming message: twin first, then methods
func (a *Agent) handleMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()
	ctx := context.Background()

	resp, err := iothub.ParseTwinTopic(topic)
	if err == nil {
		a.handleTwinResponse(ctx, topic, payload, resp)
		return
	}
	if !errors.Is(err, iothub.ErrTopicMismatch) {
		a.logger.Error("Failed to parse twin topic", "topic", topic, "error", err)
		return
	}

	req, err := iothub.ParseMethodTopic(topic)
	if err == nil {
		a.handleCommand(ctx, topic, payload, req)
		return
	}
	if !errors.Is(err, iothub.ErrTopicMismatch) {
		a.logger.Error("Failed to parse method topic", "topic", topic, "error", err)
		return
	}

	a.logger.Warn("Message from unknown topic", "topic", topic)
}

func (a *Agent) handleTwinResponse(ctx context.Context, topic string, payload []byte, resp *iothub.TwinResponse) {
	switch resp.Type {
	case iothub.TwinResponseGet, iothub.TwinResponseDesired:
		a.logger.Info("Twin message received",
			"type", resp.Type.String(),
			"request_id", resp.RequestID,
			"version", resp.Version)
		a.enqueue(ctx, Event{
			Kind:      EventTwin,
			Topic:     topic,
			Payload:   append([]byte(nil), payload...),
			IsTwinGet: resp.Type == iothub.TwinResponseGet,
		})
	case iothub.TwinResponseReported:
		a.logger.Info("Reported properties accepted", "request_id", resp.RequestID, "version", resp.Version)
	case iothub.TwinResponseError:
		a.logger.Warn("Twin request failed", "request_id", resp.RequestID, "status", int(resp.Status))
	}
}

func (a *Agent) handleCommand(ctx context.Context, topic string, payload []byte, req *iothub.MethodRequest) {
	status, body := a.commands.Invoke(ctx, req.Name, payload)
	a.logger.Info("Command invoked",
		"command", req.Name,
		"request_id", req.RequestID,
		"status", int(status))

	a.enqueue(ctx, Event{
		Kind:          EventCommand,
		Topic:         topic,
		Payload:       body,
		Command:       req.Name,
		ResponseTopic: iothub.MethodResponseTopic(req.RequestID, status),
		Status:        status,
	})
}

func (a *Agent) enqueue(ctx context.Context, ev Event) {
	if err := a.queue.Put(ctx, ev); err != nil {
		a.logger.Error("Dropping event", "kind", ev.Kind.String(), "topic", ev.Topic, "error", err)
	}
}

// process handles one queued event on the worker
func (a *Agent) process(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventTwin:
		return a.applyTwin(ctx, ev.Payload, ev.IsTwinGet)
	case EventCommand:
		if err := a.mqtt.Publish(ev.ResponseTopic, 0, false, ev.Payload); err != nil {
			return fmt.Errorf("failed to publish %s response: %w", ev.Command, err)
		}
		a.logger.Info("Command response sent", "command", ev.Command, "status", int(ev.Status))
		return nil
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

// applyTwin updates the thermostat from a desired targetTemperature and
// acknowledges it. Documents without the property or $version are ignored;
// values that are not an accepted number are acknowledged with 400.
func (a *Agent) applyTwin(ctx context.Context, payload []byte, isTwinGet bool) error {
	temperature, version, err := iothub.ParseDesiredFloat(payload, isTwinGet, PropertyTargetTemperature)
	switch {
	case errors.Is(err, iothub.ErrPropertyNotFound):
		a.logger.Info("No desired temperature in twin message", "twin_get", isTwinGet)
		return nil
	case errors.Is(err, iothub.ErrInvalidValue):
		raw, _, rawErr := iothub.ParseDesiredProperty(payload, isTwinGet, PropertyTargetTemperature)
		if rawErr != nil {
			return fmt.Errorf("failed to parse desired temperature: %w", rawErr)
		}
		return a.rejectTemperature(raw, version, err)
	case err != nil:
		return fmt.Errorf("failed to parse desired temperature: %w", err)
	}

	if err := a.validator.ValidateTemperature(temperature); err != nil {
		return a.rejectTemperature(temperature, version, err)
	}

	maxChanged := a.thermostat.Update(temperature)
	stats := a.thermostat.Snapshot()
	a.logger.Info("Thermostat updated",
		"current", stats.Current,
		"max", stats.Max,
		"min", stats.Min,
		"avg", stats.Avg)

	ack, err := iothub.BuildPropertyAck(PropertyTargetTemperature, temperature, iothub.StatusOK, version, iothub.AckSuccess)
	if err != nil {
		return err
	}
	if err := a.publishReported(ack); err != nil {
		return err
	}

	key := redis.DeviceTwinKey(a.hub.DeviceID())
	if err := a.store.HSet(ctx, key, PropertyTargetTemperature, temperature); err != nil {
		a.logger.Warn("Failed to persist desired temperature", "error", err)
	}
	if err := a.store.HSet(ctx, key, "desired_version", version); err != nil {
		a.logger.Warn("Failed to persist desired version", "error", err)
	}

	if maxChanged {
		report, err := iothub.BuildReportedProperties(iothub.Property{Name: PropertyMaxTemperature, Value: stats.Max})
		if err != nil {
			return err
		}
		if err := a.publishReported(report); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) rejectTemperature(value any, version int32, reason error) error {
	a.logger.Warn("Rejecting desired temperature", "version", version, "error", reason)
	ack, err := iothub.BuildPropertyAck(PropertyTargetTemperature, value, iothub.StatusBadRequest, version, iothub.AckInvalid)
	if err != nil {
		return err
	}
	return a.publishReported(ack)
}

func (a *Agent) publishReported(payload []byte) error {
	rid := a.requestIDs.Next()
	if err := a.mqtt.Publish(iothub.TwinPatchTopic(rid), 0, false, payload); err != nil {
		return fmt.Errorf("failed to publish reported properties: %w", err)
	}
	a.logger.Info("Reported properties sent", "request_id", rid, "payload", string(payload))
	return nil
}

// sendTelemetry publishes {"temperature":current}
func (a *Agent) sendTelemetry() error {
	stats := a.thermostat.Snapshot()
	payload, err := json.Marshal(iothub.Object{{Name: "temperature", Value: stats.Current}})
	if err != nil {
		return err
	}

	topic := a.hub.TelemetryTopic(iothub.Properties{
		iothub.PropMessageID:       uuid.NewString(),
		iothub.PropContentType:     "application/json",
		iothub.PropContentEncoding: "utf-8",
	})
	if err := a.mqtt.Publish(topic, 0, false, payload); err != nil {
		return fmt.Errorf("failed to publish telemetry: %w", err)
	}
	a.logger.Debug("Telemetry sent", "payload", string(payload))
	return nil
}

// Stop gracefully stops the thermostat agent
func (a *Agent) Stop() error {
	a.logger.Info("Stopping PnP thermostat sample")

	a.mqtt.Disconnect()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing state store", "error", err)
		return err
	}

	a.logger.Info("PnP thermostat sample stopped")
	return nil
}
