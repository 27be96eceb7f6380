package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/provisioning"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

var (
	// ErrRegistrationFailed is returned when the service ends the operation without an assignment
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrTimeout is returned when no final status arrives within the provisioning timeout
	ErrTimeout = errors.New("registration timed out")
)

// Agent registers a device with the provisioning service and caches the assignment
type Agent struct {
	mqtt   mqtt.Client
	store  redis.Client
	dps    *provisioning.Client
	cfg    *config.Config
	logger *slog.Logger

	responses  chan *provisioning.Response
	requestIDs iothub.RequestIDs
	wait       func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	result *provisioning.RegistrationState
}

// NewAgent creates a registration agent with the given dependencies
func NewAgent(mqttClient mqtt.Client, store redis.Client, dps *provisioning.Client, cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{
		mqtt:      mqttClient,
		store:     store,
		dps:       dps,
		cfg:       cfg,
		logger:    logger,
		responses: make(chan *provisioning.Response, 4),
		wait:      sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the registration state once the device is assigned
func (a *Agent) Result() *provisioning.RegistrationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Start runs one registration: register, poll the operation until it
// completes, then persist the assigned hub
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting provisioning sample",
		"endpoint", a.dps.Endpoint(),
		"registration_id", a.dps.RegistrationID(),
		"timeout", a.cfg.ProvisioningTimeout())

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to provisioning service: %w", err)
	}

	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping state store: %w", err)
	}

	if err := a.mqtt.Subscribe(provisioning.RegisterSubscribeTopic, 1, a.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to registration responses: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProvisioningTimeout())
	defer cancel()

	rid, err := a.register()
	if err != nil {
		return err
	}

	var opID string
	for {
		resp, err := a.next(ctx, rid)
		if err != nil {
			return err
		}

		a.logger.Info("Registration status",
			"status", int(resp.Status),
			"operation_id", resp.OperationID,
			"operation_status", string(resp.OperationStatus))

		switch resp.OperationStatus {
		case provisioning.StatusAssigned:
			return a.complete(ctx, resp)
		case provisioning.StatusFailed, provisioning.StatusDisabled:
			return fmt.Errorf("%w: status=%s code=%d message=%q tracking_id=%s",
				ErrRegistrationFailed, resp.OperationStatus, resp.ErrorCode, resp.ErrorMessage, resp.TrackingID)
		}

		if resp.OperationID != "" {
			opID = resp.OperationID
		}
		if opID == "" {
			// Throttled before an operation existed
			if err := a.wait(ctx, resp.RetryAfter); err != nil {
				return a.timeout(err)
			}
			if rid, err = a.register(); err != nil {
				return err
			}
			continue
		}

		if err := a.wait(ctx, resp.RetryAfter); err != nil {
			return a.timeout(err)
		}
		rid = a.requestIDs.Next()
		if err := a.mqtt.Publish(a.dps.QueryStatusTopic(rid, opID), 1, false, nil); err != nil {
			return fmt.Errorf("failed to query operation status: %w", err)
		}
		a.logger.Debug("Operation status queried", "request_id", rid, "operation_id", opID)
	}
}

func (a *Agent) register() (string, error) {
	payload, err := a.dps.RegistrationPayload()
	if err != nil {
		return "", fmt.Errorf("failed to build registration payload: %w", err)
	}
	rid := a.requestIDs.Next()
	if err := a.mqtt.Publish(a.dps.RegisterTopic(rid), 1, false, payload); err != nil {
		return "", fmt.Errorf("failed to publish registration request: %w", err)
	}
	a.logger.Info("Registration requested", "request_id", rid)
	return rid, nil
}

// next waits for the response to request rid, skipping stale ones
func (a *Agent) next(ctx context.Context, rid string) (*provisioning.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, a.timeout(ctx.Err())
		case resp := <-a.responses:
			if resp.RequestID != rid {
				a.logger.Warn("Ignoring response for another request", "request_id", resp.RequestID, "expected", rid)
				continue
			}
			return resp, nil
		}
	}
}

func (a *Agent) timeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, a.cfg.ProvisioningTimeout())
	}
	return err
}

func (a *Agent) complete(ctx context.Context, resp *provisioning.Response) error {
	state := resp.State
	if state == nil || state.AssignedHub == "" || state.DeviceID == "" {
		return fmt.Errorf("%w: assigned response without hub or device", ErrRegistrationFailed)
	}

	a.mu.Lock()
	a.result = state
	a.mu.Unlock()

	key := redis.ProvisioningKey(a.dps.RegistrationID())
	fields := map[string]string{
		"assigned_hub":   state.AssignedHub,
		"device_id":      state.DeviceID,
		"operation_id":   resp.OperationID,
		"provisioned_at": time.Now().UTC().Format(time.RFC3339),
	}
	for field, value := range fields {
		if err := a.store.HSet(ctx, key, field, value); err != nil {
			return fmt.Errorf("failed to store registration result: %w", err)
		}
	}

	a.logger.Info("Device provisioned",
		"assigned_hub", state.AssignedHub,
		"device_id", state.DeviceID,
		"substatus", state.Substatus)
	return nil
}

// handleMessage parses a registration response and hands it to Start
func (a *Agent) handleMessage(msg mqtt.Message) {
	resp, err := provisioning.ParseResponse(msg.Topic(), msg.Payload())
	if err != nil {
		a.logger.Error("Failed to parse registration response", "topic", msg.Topic(), "error", err)
		return
	}

	select {
	case a.responses <- resp:
	default:
		a.logger.Warn("Dropping registration response", "request_id", resp.RequestID)
	}
}

// Stop disconnects from the provisioning service
func (a *Agent) Stop() error {
	a.logger.Info("Stopping provisioning sample")

	a.mqtt.Disconnect()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Error closing state store", "error", err)
		return err
	}
	return nil
}
