package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/e2e/internal/scenario"
	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
)

const defaultMethodTimeout = 30 * time.Second

// ControlAPI is the part of the simulator control API the player drives
type ControlAPI interface {
	SetDesired(ctx context.Context, deviceID string, patch map[string]interface{}) (int, error)
	InvokeMethod(ctx context.Context, deviceID, method string, payload []byte, timeout time.Duration) (*hubsim.MethodResult, error)
	SendMessage(ctx context.Context, deviceID string, payload []byte, props map[string]string) (string, error)
}

// HubPlayer replays scenario events against the simulator
type HubPlayer struct {
	api      ControlAPI
	deviceID string
	logger   *slog.Logger

	mu      sync.Mutex
	results map[string]*hubsim.MethodResult
	wg      sync.WaitGroup
}

// NewHubPlayer creates a player for deviceID
func NewHubPlayer(api ControlAPI, deviceID string, logger *slog.Logger) *HubPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubPlayer{
		api:      api,
		deviceID: deviceID,
		logger:   logger,
		results:  make(map[string]*hubsim.MethodResult),
	}
}

// PlayEvent executes one event. Method calls run in the background so later
// events keep their schedule; their responses are available from MethodResult.
func (p *HubPlayer) PlayEvent(ctx context.Context, event scenario.DeviceEvent) error {
	switch event.Action {
	case scenario.ActionDesired:
		version, err := p.api.SetDesired(ctx, p.deviceID, event.Patch)
		if err != nil {
			return fmt.Errorf("failed to set desired properties: %w", err)
		}
		p.logger.Info("Desired properties sent", "version", version, "patch", event.Patch)
		return nil

	case scenario.ActionMethod:
		payload, err := encodePayload(event.Payload)
		if err != nil {
			return err
		}
		timeout := defaultMethodTimeout
		if event.Timeout > 0 {
			timeout = time.Duration(event.Timeout) * time.Second
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			result, err := p.api.InvokeMethod(ctx, p.deviceID, event.Method, payload, timeout)
			if err != nil {
				p.logger.Warn("Method invocation failed", "method", event.Method, "error", err)
				return
			}
			p.logger.Info("Method response", "method", event.Method, "status", int(result.Status), "payload", string(result.Payload))
			p.mu.Lock()
			p.results[event.Method] = result
			p.mu.Unlock()
		}()
		return nil

	case scenario.ActionMessage:
		var body []byte
		if s, ok := event.Payload.(string); ok {
			body = []byte(s)
		} else {
			var err error
			if body, err = encodePayload(event.Payload); err != nil {
				return err
			}
		}
		id, err := p.api.SendMessage(ctx, p.deviceID, body, event.Properties)
		if err != nil {
			return fmt.Errorf("failed to send cloud-to-device message: %w", err)
		}
		p.logger.Info("Cloud-to-device message sent", "message_id", id, "bytes", len(body))
		return nil

	default:
		return fmt.Errorf("unknown event action %q", event.Action)
	}
}

// MethodResult returns the last response to method, or nil
func (p *HubPlayer) MethodResult(method string) *hubsim.MethodResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[method]
}

// Wait blocks until all method calls have finished
func (p *HubPlayer) Wait() {
	p.wg.Wait()
}

func encodePayload(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
