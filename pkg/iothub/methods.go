package iothub

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// MethodsSubscribeTopic is the filter for direct method requests
	MethodsSubscribeTopic = "$iothub/methods/POST/#"

	methodsRequestPrefix  = "$iothub/methods/POST/"
	methodsResponsePrefix = "$iothub/methods/res/"
)

// MethodRequest is a parsed direct method request topic
type MethodRequest struct {
	Name      string
	RequestID string
}

// ParseMethodTopic parses $iothub/methods/POST/{name}/?$rid={rid}
func ParseMethodTopic(topic string) (*MethodRequest, error) {
	if !strings.HasPrefix(topic, methodsRequestPrefix) {
		return nil, ErrTopicMismatch
	}
	rest := strings.TrimPrefix(topic, methodsRequestPrefix)

	idx := strings.Index(rest, "/?")
	if idx <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	q, err := url.ParseQuery(rest[idx+2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTopic, err)
	}
	rid := q.Get("$rid")
	if rid == "" {
		return nil, fmt.Errorf("%w: missing $rid in %s", ErrMalformedTopic, topic)
	}
	return &MethodRequest{Name: rest[:idx], RequestID: rid}, nil
}

// MethodRequestTopic builds the topic the hub invokes a method on
func MethodRequestTopic(name, requestID string) string {
	return fmt.Sprintf("%s%s/?$rid=%s", methodsRequestPrefix, name, requestID)
}

// MethodResponseTopic builds $iothub/methods/res/{status}/?$rid={rid}
func MethodResponseTopic(requestID string, status Status) string {
	return fmt.Sprintf("%s%d/?$rid=%s", methodsResponsePrefix, status, requestID)
}

// ParseMethodResponseTopic is the hub-side inverse of MethodResponseTopic
func ParseMethodResponseTopic(topic string) (Status, string, error) {
	if !strings.HasPrefix(topic, methodsResponsePrefix) {
		return 0, "", ErrTopicMismatch
	}
	status, q, err := parseStatusQuery(strings.TrimPrefix(topic, methodsResponsePrefix))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrMalformedTopic, err)
	}
	return status, q.Get("$rid"), nil
}
