// Package iothub implements the Azure IoT Hub MQTT topic grammar for devices:
// connection identity, telemetry, cloud-to-device messages, direct methods,
// device twins and SAS tokens.
package iothub

import (
	"errors"
	"fmt"
	"net/url"
)

// APIVersion is the IoT Hub MQTT API version announced in the username
const APIVersion = "2020-09-30"

var (
	// ErrTopicMismatch means the topic does not belong to the feature being parsed
	ErrTopicMismatch = errors.New("topic does not match")
	// ErrMalformedTopic means the topic matched but could not be parsed
	ErrMalformedTopic = errors.New("malformed topic")
)

// Client derives IoT Hub topics and credentials for one device identity.
// It holds no connection.
type Client struct {
	hostName string
	deviceID string
	moduleID string
	modelID  string
}

// Option configures a Client
type Option func(*Client)

// WithModelID announces a Plug and Play model ID on connect
func WithModelID(modelID string) Option {
	return func(c *Client) { c.modelID = modelID }
}

// WithModuleID targets a module identity of the device
func WithModuleID(moduleID string) Option {
	return func(c *Client) { c.moduleID = moduleID }
}

// NewClient creates a Client for the given hub host name and device ID
func NewClient(hostName, deviceID string, opts ...Option) (*Client, error) {
	if hostName == "" {
		return nil, errors.New("hub host name is required")
	}
	if deviceID == "" {
		return nil, errors.New("device ID is required")
	}
	c := &Client{hostName: hostName, deviceID: deviceID}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) HostName() string { return c.hostName }
func (c *Client) DeviceID() string { return c.deviceID }
func (c *Client) ModelID() string  { return c.modelID }

// ClientID returns the MQTT client identifier
func (c *Client) ClientID() string {
	if c.moduleID != "" {
		return c.deviceID + "/" + c.moduleID
	}
	return c.deviceID
}

// Username returns the MQTT username.
// Pattern: {host}/{device}[/{module}]/?api-version=...[&model-id=...]
func (c *Client) Username() string {
	q := "api-version=" + APIVersion
	if c.modelID != "" {
		q += "&model-id=" + url.QueryEscape(c.modelID)
	}
	return fmt.Sprintf("%s/%s/?%s", c.hostName, c.ClientID(), q)
}

// deviceTopicBase is "devices/{device}" or "devices/{device}/modules/{module}"
func (c *Client) deviceTopicBase() string {
	if c.moduleID != "" {
		return "devices/" + c.deviceID + "/modules/" + c.moduleID
	}
	return "devices/" + c.deviceID
}
