package iothub

import (
	"fmt"
	"net/url"
	"strings"
)

const c2dSegment = "/messages/devicebound/"

// C2DRequest is a parsed cloud-to-device message topic
type C2DRequest struct {
	DeviceID   string
	Properties Properties
}

// C2DSubscribeTopic returns the filter for cloud-to-device messages
func (c *Client) C2DSubscribeTopic() string {
	return "devices/" + c.deviceID + c2dSegment + "#"
}

// C2DTopic builds the topic the hub delivers a message on
func C2DTopic(deviceID string, props Properties) string {
	return "devices/" + deviceID + c2dSegment + props.Encode()
}

// ParseC2DTopic parses devices/{device}/messages/devicebound/{properties}
func ParseC2DTopic(topic string) (*C2DRequest, error) {
	deviceID, props, err := parseDeviceTopic(topic, c2dSegment)
	if err != nil {
		return nil, err
	}
	return &C2DRequest{DeviceID: deviceID, Properties: props}, nil
}

// parseDeviceTopic splits devices/{device}{segment}{properties}
func parseDeviceTopic(topic, segment string) (string, Properties, error) {
	if !strings.HasPrefix(topic, "devices/") {
		return "", nil, ErrTopicMismatch
	}
	idx := strings.Index(topic, segment)
	if idx < 0 {
		return "", nil, ErrTopicMismatch
	}

	deviceID := strings.TrimPrefix(topic[:idx], "devices/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		return "", nil, fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}

	// url.ParseQuery rejects ';' so escape it first
	raw := strings.ReplaceAll(topic[idx+len(segment):], ";", "%3B")
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid properties: %v", ErrMalformedTopic, err)
	}

	props := make(Properties, len(values))
	for k, v := range values {
		if len(v) > 0 {
			props[k] = v[0]
		}
	}
	return deviceID, props, nil
}
