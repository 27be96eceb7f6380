// Package hubsim is a local stand-in for IoT Hub and the Device
// Provisioning Service. It speaks the device-facing MQTT topics so the
// samples can run without a cloud subscription.
//
// Server-initiated $iothub topics (desired patches, method requests) carry
// no device ID, so every connected device receives them. The simulator is
// meant for one device at a time.
package hubsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/provisioning"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

const (
	telemetryHistory = 100
	// assignRetryAfter is the retry-after returned while an assignment is pending
	assignRetryAfter = time.Second
)

var (
	// ErrUnknownDevice is returned for devices that never connected
	ErrUnknownDevice = errors.New("unknown device")
	// ErrMethodTimeout is returned when a device does not answer a method in time
	ErrMethodTimeout = errors.New("method response timed out")
	// ErrNoPublisher is returned before the broker is attached
	ErrNoPublisher = errors.New("hub is not attached to a broker")
)

// Publisher delivers a message to subscribed devices
type Publisher func(topic string, payload []byte)

// MethodResult is a device's answer to a direct method
type MethodResult struct {
	Status  iothub.Status   `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// TelemetryRecord is one device-to-cloud message as received
type TelemetryRecord struct {
	DeviceID   string            `json:"device_id"`
	Properties iothub.Properties `json:"properties,omitempty"`
	Payload    string            `json:"payload"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Route receives every telemetry record after it is stored, like an IoT Hub
// message routing endpoint
type Route func(ctx context.Context, record TelemetryRecord) error

type registration struct {
	registrationID string
	createdAt      time.Time
}

// Hub holds simulated cloud state and answers device requests
type Hub struct {
	hostname string
	store    redis.Client
	logger   *slog.Logger

	mu         sync.Mutex
	publish    Publisher
	devices    map[string]time.Time
	twins      map[string]*Twin
	pending    map[string]chan MethodResult
	operations map[string]registration
	routes     []Route
	requestIDs iothub.RequestIDs
}

// NewHub creates a hub that reports hostname as the assigned hub for
// provisioned devices
func NewHub(hostname string, store redis.Client, logger *slog.Logger) *Hub {
	return &Hub{
		hostname:   hostname,
		store:      store,
		logger:     logger,
		devices:    make(map[string]time.Time),
		twins:      make(map[string]*Twin),
		pending:    make(map[string]chan MethodResult),
		operations: make(map[string]registration),
	}
}

// AddRoute forwards telemetry to r in addition to the state store
func (h *Hub) AddRoute(r Route) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = append(h.routes, r)
}

// SetPublisher attaches the hub to a broker
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publish = p
}

func (h *Hub) send(topic string, payload []byte) error {
	h.mu.Lock()
	p := h.publish
	h.mu.Unlock()
	if p == nil {
		return ErrNoPublisher
	}
	p(topic, payload)
	return nil
}

// Connected records a client connection
func (h *Hub) Connected(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[clientID] = time.Now().UTC()
}

// Devices returns the client IDs seen so far with their last connect time
func (h *Hub) Devices() map[string]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]time.Time, len(h.devices))
	for k, v := range h.devices {
		out[k] = v
	}
	return out
}

func (h *Hub) known(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.devices[deviceID]
	return ok
}

// twin returns the device twin, creating it if needed. Callers hold h.mu.
func (h *Hub) twin(ctx context.Context, deviceID string) *Twin {
	if t, ok := h.twins[deviceID]; ok {
		return t
	}
	t := newTwin()
	if raw, err := h.store.Get(ctx, redis.HubTwinKey(deviceID)); err == nil {
		if err := json.Unmarshal([]byte(raw), t); err != nil {
			h.logger.Warn("Discarding stored twin", "device_id", deviceID, "error", err)
			t = newTwin()
		}
	}
	h.twins[deviceID] = t
	return t
}

func (h *Hub) saveTwin(ctx context.Context, deviceID string, t *Twin) {
	data, err := json.Marshal(t)
	if err != nil {
		h.logger.Error("Failed to encode twin", "device_id", deviceID, "error", err)
		return
	}
	if err := h.store.Set(ctx, redis.HubTwinKey(deviceID), string(data), 0); err != nil {
		h.logger.Warn("Failed to persist twin", "device_id", deviceID, "error", err)
	}
}

// HandleMessage processes one message published by a device
func (h *Hub) HandleMessage(ctx context.Context, clientID, topic string, payload []byte) {
	if deviceID, props, err := iothub.ParseTelemetryTopic(topic); err == nil {
		h.recordTelemetry(ctx, deviceID, props, payload)
		return
	}
	if rid, ok := iothub.IsTwinDocumentRequest(topic); ok {
		h.handleTwinGet(ctx, clientID, rid)
		return
	}
	if rid, ok := iothub.IsTwinReportedPatch(topic); ok {
		h.handleReported(ctx, clientID, rid, payload)
		return
	}
	if status, rid, err := iothub.ParseMethodResponseTopic(topic); err == nil {
		h.resolveMethod(rid, status, payload)
		return
	}
	if rid, ok := provisioning.IsRegisterRequest(topic); ok {
		h.handleRegister(clientID, rid, payload)
		return
	}
	if rid, opID, ok := provisioning.IsQueryRequest(topic); ok {
		h.handleQuery(rid, opID)
		return
	}
	h.logger.Debug("Ignoring message", "client_id", clientID, "topic", topic)
}

func (h *Hub) recordTelemetry(ctx context.Context, deviceID string, props iothub.Properties, payload []byte) {
	record := TelemetryRecord{
		DeviceID:   deviceID,
		Properties: props,
		Payload:    string(payload),
		ReceivedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		h.logger.Error("Failed to encode telemetry", "error", err)
		return
	}

	key := redis.HubTelemetryKey(deviceID)
	if err := h.store.LPush(ctx, key, string(data)); err != nil {
		h.logger.Warn("Failed to record telemetry", "device_id", deviceID, "error", err)
		return
	}
	if err := h.store.LTrim(ctx, key, 0, telemetryHistory-1); err != nil {
		h.logger.Warn("Failed to trim telemetry", "device_id", deviceID, "error", err)
	}
	h.logger.Debug("Telemetry received", "device_id", deviceID, "bytes", len(payload))

	h.mu.Lock()
	routes := h.routes
	h.mu.Unlock()
	for _, route := range routes {
		if err := route(ctx, record); err != nil {
			h.logger.Warn("Telemetry route failed", "device_id", deviceID, "error", err)
		}
	}
}

// Telemetry returns the most recent telemetry for a device, newest first
func (h *Hub) Telemetry(ctx context.Context, deviceID string, limit int) ([]TelemetryRecord, error) {
	if limit <= 0 || limit > telemetryHistory {
		limit = telemetryHistory
	}
	items, err := h.store.LRange(ctx, redis.HubTelemetryKey(deviceID), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry: %w", err)
	}
	records := make([]TelemetryRecord, 0, len(items))
	for _, item := range items {
		var r TelemetryRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			h.logger.Warn("Skipping malformed telemetry record", "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func (h *Hub) handleTwinGet(ctx context.Context, deviceID, rid string) {
	h.mu.Lock()
	doc, err := json.Marshal(h.twin(ctx, deviceID).Document())
	h.mu.Unlock()
	if err != nil {
		h.logger.Error("Failed to encode twin document", "device_id", deviceID, "error", err)
		h.reply(iothub.TwinResponseTopic(iothub.StatusServerError, rid, ""), []byte(`{}`))
		return
	}
	h.reply(iothub.TwinResponseTopic(iothub.StatusOK, rid, ""), doc)
}

func (h *Hub) handleReported(ctx context.Context, deviceID, rid string, payload []byte) {
	var patch map[string]any
	if err := json.Unmarshal(payload, &patch); err != nil || patch == nil {
		h.logger.Warn("Rejecting reported patch", "device_id", deviceID, "error", err)
		h.reply(iothub.TwinResponseTopic(iothub.StatusBadRequest, rid, ""), nil)
		return
	}

	h.mu.Lock()
	t := h.twin(ctx, deviceID)
	version := t.PatchReported(patch)
	h.saveTwin(ctx, deviceID, t)
	h.mu.Unlock()

	h.logger.Info("Reported properties updated", "device_id", deviceID, "version", version)
	h.reply(iothub.TwinResponseTopic(iothub.StatusNoContent, rid, strconv.Itoa(version)), nil)
}

// Twin returns a copy of the device twin document
func (h *Hub) Twin(ctx context.Context, deviceID string) (map[string]any, error) {
	if !h.known(deviceID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.twin(ctx, deviceID).Document(), nil
}

// SetDesired applies a desired properties patch and pushes it to the device
func (h *Hub) SetDesired(ctx context.Context, deviceID string, patch map[string]any) (int, error) {
	if !h.known(deviceID) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	h.mu.Lock()
	t := h.twin(ctx, deviceID)
	versioned := t.PatchDesired(patch)
	version := t.DesiredVersion
	h.saveTwin(ctx, deviceID, t)
	h.mu.Unlock()

	data, err := json.Marshal(versioned)
	if err != nil {
		return 0, fmt.Errorf("failed to encode desired patch: %w", err)
	}
	if err := h.send(iothub.TwinDesiredTopic(version), data); err != nil {
		return 0, err
	}
	h.logger.Info("Desired properties sent", "device_id", deviceID, "version", version)
	return version, nil
}

// InvokeMethod sends a direct method request and waits for the response
// until ctx is done
func (h *Hub) InvokeMethod(ctx context.Context, deviceID, name string, payload []byte) (*MethodResult, error) {
	if !h.known(deviceID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}

	rid := h.requestIDs.Next()
	ch := make(chan MethodResult, 1)
	h.mu.Lock()
	h.pending[rid] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, rid)
		h.mu.Unlock()
	}()

	if err := h.send(iothub.MethodRequestTopic(name, rid), payload); err != nil {
		return nil, err
	}
	h.logger.Info("Method invoked", "device_id", deviceID, "method", name, "request_id", rid)

	select {
	case res := <-ch:
		return &res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrMethodTimeout, name)
	}
}

func (h *Hub) resolveMethod(rid string, status iothub.Status, payload []byte) {
	h.mu.Lock()
	ch, ok := h.pending[rid]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("Method response without pending request", "request_id", rid)
		return
	}

	body := json.RawMessage("null")
	if len(payload) > 0 && json.Valid(payload) {
		body = append(json.RawMessage(nil), payload...)
	}
	select {
	case ch <- MethodResult{Status: status, Payload: body}:
	default:
	}
}

// SendC2D delivers a cloud-to-device message
func (h *Hub) SendC2D(deviceID string, payload []byte, props iothub.Properties) (string, error) {
	if !h.known(deviceID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	all := iothub.Properties{}
	for k, v := range props {
		all[k] = v
	}
	if all[iothub.PropMessageID] == "" {
		all[iothub.PropMessageID] = uuid.NewString()
	}
	all[iothub.PropTo] = "/devices/" + deviceID + "/messages/deviceBound"

	if err := h.send(iothub.C2DTopic(deviceID, all), payload); err != nil {
		return "", err
	}
	h.logger.Info("Cloud-to-device message sent", "device_id", deviceID, "message_id", all[iothub.PropMessageID])
	return all[iothub.PropMessageID], nil
}

type registerRequest struct {
	RegistrationID string `json:"registrationId"`
}

func (h *Hub) handleRegister(clientID, rid string, payload []byte) {
	var req registerRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			h.dpsError(iothub.StatusBadRequest, rid, 400004, "Malformed registration request")
			return
		}
	}
	if req.RegistrationID == "" {
		req.RegistrationID = clientID
	}

	opID := uuid.NewString()
	h.mu.Lock()
	h.operations[opID] = registration{registrationID: req.RegistrationID, createdAt: time.Now().UTC()}
	h.mu.Unlock()

	h.logger.Info("Registration accepted", "registration_id", req.RegistrationID, "operation_id", opID)
	h.replyDPS(iothub.StatusAccepted, rid, assignRetryAfter, provisioning.OperationBody{
		OperationID: opID,
		Status:      provisioning.StatusAssigning,
	})
}

func (h *Hub) handleQuery(rid, opID string) {
	h.mu.Lock()
	reg, ok := h.operations[opID]
	h.mu.Unlock()
	if !ok {
		h.dpsError(iothub.StatusNotFound, rid, 404201, "Operation not found")
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	h.logger.Info("Device assigned", "registration_id", reg.registrationID, "hub", h.hostname)
	h.replyDPS(iothub.StatusOK, rid, 0, provisioning.OperationBody{
		OperationID: opID,
		Status:      provisioning.StatusAssigned,
		RegistrationState: &provisioning.RegistrationState{
			RegistrationID: reg.registrationID,
			AssignedHub:    h.hostname,
			DeviceID:       reg.registrationID,
			Status:         string(provisioning.StatusAssigned),
			Substatus:      "initialAssignment",
			CreatedAt:      reg.createdAt.Format(time.RFC3339),
			LastUpdatedAt:  now,
		},
	})
}

func (h *Hub) dpsError(status iothub.Status, rid string, code int, message string) {
	h.replyDPS(status, rid, 0, map[string]any{
		"errorCode":    code,
		"trackingId":   uuid.NewString(),
		"message":      message,
		"timestampUtc": time.Now().UTC().Format(time.RFC3339),
	})
}

// replyDPS encodes v as a provisioning response; encoding failures answer 500
func (h *Hub) replyDPS(status iothub.Status, rid string, retryAfter time.Duration, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode provisioning response", "request_id", rid, "error", err)
		h.reply(provisioning.ResponseTopic(iothub.StatusServerError, rid, 0), []byte(`{}`))
		return
	}
	h.reply(provisioning.ResponseTopic(status, rid, retryAfter), body)
}

func (h *Hub) reply(topic string, payload []byte) {
	if err := h.send(topic, payload); err != nil {
		h.logger.Error("Failed to send response", "topic", topic, "error", err)
	}
}
