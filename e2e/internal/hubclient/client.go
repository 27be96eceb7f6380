// Package hubclient talks to the control API of the hub simulator.
package hubclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
)

// ErrDeviceNotConnected is returned while the device has not connected to the simulator
var ErrDeviceNotConnected = errors.New("device not connected")

// Client is an HTTP client for the simulator control API
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the control API at baseURL (e.g. http://localhost:8080)
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Devices returns the connected devices and their last connect time
func (c *Client) Devices(ctx context.Context) (map[string]time.Time, error) {
	var raw map[string]string
	if err := c.do(ctx, http.MethodGet, "/devices", nil, http.StatusOK, &raw); err != nil {
		return nil, err
	}
	devices := make(map[string]time.Time, len(raw))
	for id, at := range raw {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("invalid connect time for %s: %w", id, err)
		}
		devices[id] = t
	}
	return devices, nil
}

// WaitForDevice polls until deviceID has connected or ctx is done
func (c *Client) WaitForDevice(ctx context.Context, deviceID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		devices, err := c.Devices(ctx)
		if err == nil {
			if _, ok := devices[deviceID]; ok {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrDeviceNotConnected, deviceID, err)
			}
			return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
		case <-ticker.C:
		}
	}
}

// Twin returns the twin document of deviceID
func (c *Client) Twin(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	var twin map[string]interface{}
	if err := c.do(ctx, http.MethodGet, devicePath(deviceID, "twin"), nil, http.StatusOK, &twin); err != nil {
		return nil, err
	}
	return twin, nil
}

// SetDesired applies a desired property patch and returns the new desired version
func (c *Client) SetDesired(ctx context.Context, deviceID string, patch map[string]interface{}) (int, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("failed to encode patch: %w", err)
	}
	var resp struct {
		Version int `json:"$version"`
	}
	if err := c.do(ctx, http.MethodPatch, devicePath(deviceID, "twin", "desired"), body, http.StatusOK, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// InvokeMethod calls a direct method and waits up to timeout for the device response
func (c *Client) InvokeMethod(ctx context.Context, deviceID, method string, payload []byte, timeout time.Duration) (*hubsim.MethodResult, error) {
	path := devicePath(deviceID, "methods", method)
	if timeout > 0 {
		path += "?timeout=" + strconv.Itoa(int(timeout.Seconds()))
	}
	var result hubsim.MethodResult
	if err := c.do(ctx, http.MethodPost, path, payload, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendMessage queues a cloud-to-device message and returns its message ID
func (c *Client) SendMessage(ctx context.Context, deviceID string, payload []byte, props map[string]string) (string, error) {
	path := devicePath(deviceID, "messages")
	if len(props) > 0 {
		q := url.Values{}
		for k, v := range props {
			q.Set(k, v)
		}
		path += "?" + q.Encode()
	}
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, payload, http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// Telemetry returns up to limit recent telemetry records, newest first
func (c *Client) Telemetry(ctx context.Context, deviceID string, limit int) ([]hubsim.TelemetryRecord, error) {
	path := devicePath(deviceID, "telemetry")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var records []hubsim.TelemetryRecord
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	if resp.StatusCode != want {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: invalid response: %w", method, path, err)
	}
	return nil
}

// StatusError is returned when the control API answers with an unexpected status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control api returned %d: %s", e.Code, e.Body)
}

func devicePath(deviceID string, parts ...string) string {
	path := "/devices/" + url.PathEscape(deviceID)
	for _, p := range parts {
		path += "/" + url.PathEscape(p)
	}
	return path
}
