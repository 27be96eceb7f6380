// Package provisioning implements the Azure Device Provisioning Service MQTT
// topic grammar and response parsing.
package provisioning

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
)

const (
	// GlobalEndpoint is the public provisioning endpoint
	GlobalEndpoint = "global.azure-devices-provisioning.net"
	// APIVersion is the provisioning MQTT API version
	APIVersion = "2019-03-31"
	// RegisterSubscribeTopic is the filter for provisioning responses
	RegisterSubscribeTopic = "$dps/registrations/res/#"

	responsePrefix = "$dps/registrations/res/"
	registerPrefix = "$dps/registrations/PUT/iotdps-register/"
	queryPrefix    = "$dps/registrations/GET/iotdps-get-operationstatus/"

	// DefaultRetryAfter is used when a pending response has no retry-after
	DefaultRetryAfter = 3 * time.Second
)

// ErrTopicMismatch means the topic is not a provisioning response
var ErrTopicMismatch = errors.New("topic is not a provisioning response")

// Client derives provisioning topics and credentials for one registration
type Client struct {
	endpoint       string
	idScope        string
	registrationID string
	modelID        string
}

// Option configures a Client
type Option func(*Client)

// WithModelID sends a Plug and Play model ID in the registration payload
func WithModelID(modelID string) Option {
	return func(c *Client) { c.modelID = modelID }
}

// NewClient creates a Client for a registration within an ID scope
func NewClient(endpoint, idScope, registrationID string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("provisioning endpoint is required")
	}
	if idScope == "" {
		return nil, errors.New("ID scope is required")
	}
	if registrationID == "" {
		return nil, errors.New("registration ID is required")
	}
	c := &Client{endpoint: endpoint, idScope: idScope, registrationID: registrationID}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Endpoint() string       { return c.endpoint }
func (c *Client) RegistrationID() string { return c.registrationID }

// ClientID returns the MQTT client identifier
func (c *Client) ClientID() string {
	return c.registrationID
}

// Username returns {scope}/registrations/{registration}/api-version=...
func (c *Client) Username() string {
	return fmt.Sprintf("%s/registrations/%s/api-version=%s", c.idScope, c.registrationID, APIVersion)
}

// SASPassword signs the registration resource with an enrollment key
func (c *Client) SASPassword(key string, expiry time.Time) (string, error) {
	return iothub.SASToken(c.idScope+"/registrations/"+c.registrationID, key, "registration", expiry)
}

// RegisterTopic starts a registration
func (c *Client) RegisterTopic(requestID string) string {
	return registerPrefix + "?$rid=" + requestID
}

// QueryStatusTopic polls an ongoing registration operation
func (c *Client) QueryStatusTopic(requestID, operationID string) string {
	return queryPrefix + "?$rid=" + requestID + "&operationId=" + url.QueryEscape(operationID)
}

type registrationRequest struct {
	RegistrationID string         `json:"registrationId"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// RegistrationPayload is the body published on the register topic
func (c *Client) RegistrationPayload() ([]byte, error) {
	req := registrationRequest{RegistrationID: c.registrationID}
	if c.modelID != "" {
		req.Payload = map[string]any{"modelId": c.modelID}
	}
	return json.Marshal(req)
}

// IsRegisterRequest reports whether topic starts a registration, returning its request ID
func IsRegisterRequest(topic string) (string, bool) {
	if !strings.HasPrefix(topic, registerPrefix) {
		return "", false
	}
	q, err := url.ParseQuery(strings.TrimPrefix(strings.TrimPrefix(topic, registerPrefix), "?"))
	if err != nil {
		return "", false
	}
	return q.Get("$rid"), true
}

// IsQueryRequest reports whether topic polls an operation, returning request and operation IDs
func IsQueryRequest(topic string) (string, string, bool) {
	if !strings.HasPrefix(topic, queryPrefix) {
		return "", "", false
	}
	q, err := url.ParseQuery(strings.TrimPrefix(strings.TrimPrefix(topic, queryPrefix), "?"))
	if err != nil {
		return "", "", false
	}
	return q.Get("$rid"), q.Get("operationId"), true
}

// ResponseTopic builds $dps/registrations/res/{status}/?$rid={rid}[&retry-after={s}]
func ResponseTopic(status iothub.Status, requestID string, retryAfter time.Duration) string {
	t := fmt.Sprintf("%s%d/?$rid=%s", responsePrefix, status, requestID)
	if retryAfter > 0 {
		t += "&retry-after=" + strconv.Itoa(int(retryAfter/time.Second))
	}
	return t
}
