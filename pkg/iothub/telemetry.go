package iothub

import (
	"net/url"
	"sort"
	"strings"
)

// Well-known system property names
const (
	PropMessageID       = "$.mid"
	PropCorrelationID   = "$.cid"
	PropTo              = "$.to"
	PropUserID          = "$.uid"
	PropContentType     = "$.ct"
	PropContentEncoding = "$.ce"
	PropExpiry          = "$.exp"
	PropCreationTime    = "$.ctime"
)

const telemetrySegment = "/messages/events/"

// Properties are message properties carried in the topic
type Properties map[string]string

// Encode returns the url-encoded property bag with keys sorted
func (p Properties) Encode() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(p[k]))
	}
	return b.String()
}

// escape encodes spaces as %20, IoT Hub does not decode '+'
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// TelemetryTopic returns the device-to-cloud topic with optional properties.
// Pattern: devices/{device}/messages/events/{properties}
func (c *Client) TelemetryTopic(props Properties) string {
	return c.deviceTopicBase() + telemetrySegment + props.Encode()
}

// ParseTelemetryTopic is the hub-side inverse of TelemetryTopic for device identities
func ParseTelemetryTopic(topic string) (string, Properties, error) {
	return parseDeviceTopic(topic, telemetrySegment)
}
