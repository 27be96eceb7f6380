package iothub

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// TwinResponseSubscribeTopic is the filter for twin GET and reported-patch responses
	TwinResponseSubscribeTopic = "$iothub/twin/res/#"
	// TwinPatchSubscribeTopic is the filter for desired property updates
	TwinPatchSubscribeTopic = "$iothub/twin/PATCH/properties/desired/#"

	twinResponsePrefix = "$iothub/twin/res/"
	twinDesiredPrefix  = "$iothub/twin/PATCH/properties/desired/"
	twinGetPrefix      = "$iothub/twin/GET/"
	twinReportedPrefix = "$iothub/twin/PATCH/properties/reported/"
)

// TwinResponseType classifies a twin message
type TwinResponseType int

const (
	// TwinResponseGet carries the full twin document
	TwinResponseGet TwinResponseType = iota + 1
	// TwinResponseDesired carries a desired properties patch
	TwinResponseDesired
	// TwinResponseReported acknowledges a reported properties patch
	TwinResponseReported
	// TwinResponseError is a failed twin request
	TwinResponseError
)

func (t TwinResponseType) String() string {
	switch t {
	case TwinResponseGet:
		return "get"
	case TwinResponseDesired:
		return "desired"
	case TwinResponseReported:
		return "reported"
	case TwinResponseError:
		return "error"
	default:
		return "unknown"
	}
}

// TwinResponse is a parsed twin topic
type TwinResponse struct {
	Type      TwinResponseType
	Status    Status
	RequestID string
	Version   string
}

// TwinDocumentTopic requests the full twin document
func TwinDocumentTopic(requestID string) string {
	return twinGetPrefix + "?$rid=" + requestID
}

// TwinPatchTopic sends a reported properties patch
func TwinPatchTopic(requestID string) string {
	return twinReportedPrefix + "?$rid=" + requestID
}

// TwinResponseTopic builds $iothub/twin/res/{status}/?$rid={rid}[&$version={v}]
func TwinResponseTopic(status Status, requestID, version string) string {
	t := fmt.Sprintf("%s%d/?$rid=%s", twinResponsePrefix, status, requestID)
	if version != "" {
		t += "&$version=" + version
	}
	return t
}

// TwinDesiredTopic builds $iothub/twin/PATCH/properties/desired/?$version={v}
func TwinDesiredTopic(version int) string {
	return twinDesiredPrefix + "?$version=" + strconv.Itoa(version)
}

// ParseTwinTopic parses twin responses and desired property patches
func ParseTwinTopic(topic string) (*TwinResponse, error) {
	switch {
	case strings.HasPrefix(topic, twinDesiredPrefix):
		q, err := url.ParseQuery(strings.TrimPrefix(strings.TrimPrefix(topic, twinDesiredPrefix), "?"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTopic, err)
		}
		return &TwinResponse{
			Type:    TwinResponseDesired,
			Status:  StatusOK,
			Version: q.Get("$version"),
		}, nil

	case strings.HasPrefix(topic, twinResponsePrefix):
		status, q, err := parseStatusQuery(strings.TrimPrefix(topic, twinResponsePrefix))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTopic, err)
		}
		resp := &TwinResponse{
			Status:    status,
			RequestID: q.Get("$rid"),
			Version:   q.Get("$version"),
		}
		switch {
		case status == StatusNoContent:
			resp.Type = TwinResponseReported
		case status.Succeeded():
			resp.Type = TwinResponseGet
		default:
			resp.Type = TwinResponseError
		}
		return resp, nil
	}
	return nil, ErrTopicMismatch
}

// IsTwinDocumentRequest reports whether topic is a twin GET, returning its request ID
func IsTwinDocumentRequest(topic string) (string, bool) {
	return requestIDAfter(topic, twinGetPrefix)
}

// IsTwinReportedPatch reports whether topic is a reported patch, returning its request ID
func IsTwinReportedPatch(topic string) (string, bool) {
	return requestIDAfter(topic, twinReportedPrefix)
}

func requestIDAfter(topic, prefix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	q, err := url.ParseQuery(strings.TrimPrefix(strings.TrimPrefix(topic, prefix), "?"))
	if err != nil {
		return "", false
	}
	return q.Get("$rid"), true
}

// parseStatusQuery parses "{status}/?{query}"
func parseStatusQuery(rest string) (Status, url.Values, error) {
	statusPart, query, _ := strings.Cut(rest, "/")
	code, err := strconv.Atoi(statusPart)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid status %q", statusPart)
	}
	q, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return 0, nil, err
	}
	return Status(code), q, nil
}
