package provisioning

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
)

// OperationStatus is the state of a registration operation
type OperationStatus string

const (
	StatusUnassigned OperationStatus = "unassigned"
	StatusAssigning  OperationStatus = "assigning"
	StatusAssigned   OperationStatus = "assigned"
	StatusFailed     OperationStatus = "failed"
	StatusDisabled   OperationStatus = "disabled"
)

// Completed reports a terminal status
func (s OperationStatus) Completed() bool {
	return s == StatusAssigned || s == StatusFailed || s == StatusDisabled
}

// RegistrationState is the outcome of a registration
type RegistrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	Substatus      string `json:"substatus"`
	CreatedAt      string `json:"createdDateTimeUtc"`
	LastUpdatedAt  string `json:"lastUpdatedDateTimeUtc"`
	ETag           string `json:"etag"`
	ErrorCode      int    `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// OperationBody is the JSON body of a provisioning response
type OperationBody struct {
	OperationID       string             `json:"operationId"`
	Status            OperationStatus    `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

type errorBody struct {
	ErrorCode  int    `json:"errorCode"`
	TrackingID string `json:"trackingId"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestampUtc"`
}

// Response is a parsed provisioning response
type Response struct {
	Status          iothub.Status
	RequestID       string
	RetryAfter      time.Duration
	OperationID     string
	OperationStatus OperationStatus
	State           *RegistrationState
	ErrorCode       int
	ErrorMessage    string
	TrackingID      string
}

// ParseResponse parses a message received on RegisterSubscribeTopic
func ParseResponse(topic string, payload []byte) (*Response, error) {
	if !strings.HasPrefix(topic, responsePrefix) {
		return nil, ErrTopicMismatch
	}
	statusPart, query, _ := strings.Cut(strings.TrimPrefix(topic, responsePrefix), "/")
	code, err := strconv.Atoi(statusPart)
	if err != nil {
		return nil, fmt.Errorf("invalid status in topic %s: %w", topic, err)
	}
	q, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return nil, fmt.Errorf("invalid query in topic %s: %w", topic, err)
	}

	resp := &Response{
		Status:    iothub.Status(code),
		RequestID: q.Get("$rid"),
	}
	if v := q.Get("retry-after"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			resp.RetryAfter = time.Duration(sec) * time.Second
		}
	}

	if !resp.Status.Succeeded() {
		if resp.Status.Retriable() {
			// Throttled or server side trouble: keep polling
			resp.OperationStatus = StatusAssigning
			if resp.RetryAfter == 0 {
				resp.RetryAfter = DefaultRetryAfter
			}
			return resp, nil
		}
		var eb errorBody
		if err := json.Unmarshal(payload, &eb); err != nil {
			return nil, fmt.Errorf("failed to parse provisioning error body: %w", err)
		}
		resp.OperationStatus = StatusFailed
		resp.ErrorCode = eb.ErrorCode
		resp.ErrorMessage = eb.Message
		resp.TrackingID = eb.TrackingID
		return resp, nil
	}

	var body OperationBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning response body: %w", err)
	}
	if body.Status == "" {
		return nil, fmt.Errorf("provisioning response has no status")
	}
	resp.OperationID = body.OperationID
	resp.OperationStatus = body.Status
	resp.State = body.RegistrationState
	if body.RegistrationState != nil {
		resp.ErrorCode = body.RegistrationState.ErrorCode
		resp.ErrorMessage = body.RegistrationState.ErrorMessage
	}
	if !resp.OperationStatus.Completed() && resp.RetryAfter == 0 {
		resp.RetryAfter = DefaultRetryAfter
	}
	return resp, nil
}
