// Package mqtttest provides an in-memory mqtt.Client for agent tests.
package mqtttest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
)

// Published is a message recorded by Client.Publish
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

type subscription struct {
	filter  string
	handler mqtt.MessageHandler
}

// Client records publishes and lets tests deliver inbound messages
type Client struct {
	mu         sync.Mutex
	connected  bool
	subs       []subscription
	published  []Published
	notify     chan struct{}
	ConnectErr error
	PublishErr error

	// OnPublish, when set, is called after each publish is recorded
	OnPublish func(Published)
}

// NewClient returns a disconnected fake client
func NewClient() *Client {
	return &Client{notify: make(chan struct{}, 1)}
}

var _ mqtt.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.subs = append(c.subs, subscription{filter: topic, handler: handler})
	return nil
}

func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		drop := false
		for _, t := range topics {
			if s.filter == t {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	return nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if c.PublishErr != nil {
		return c.PublishErr
	}
	p := Published{Topic: topic, QoS: qos, Retained: retained, Payload: append([]byte(nil), payload...)}

	c.mu.Lock()
	c.published = append(c.published, p)
	hook := c.OnPublish
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	if hook != nil {
		hook(p)
	}
	return nil
}

// Deliver hands an inbound message to every matching subscription.
// It reports whether any handler received it.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	var handlers []mqtt.MessageHandler
	for _, s := range c.subs {
		if mqtt.TopicMatches(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	msg := &message{topic: topic, payload: payload}
	for _, h := range handlers {
		h(msg)
	}
	return len(handlers) > 0
}

// Subscriptions returns the current subscription filters
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s.filter)
	}
	return out
}

// Published returns a copy of everything published so far
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns the messages published on topics with the given prefix
func (c *Client) PublishedTo(prefix string) []Published {
	var out []Published
	for _, p := range c.Published() {
		if strings.HasPrefix(p.Topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// WaitForPublished blocks until n messages were published under prefix or the timeout elapses
func (c *Client) WaitForPublished(prefix string, n int, timeout time.Duration) []Published {
	deadline := time.After(timeout)
	for {
		if got := c.PublishedTo(prefix); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return c.PublishedTo(prefix)
		}
	}
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Topic() string   { return m.topic }
func (m *message) Payload() []byte { return m.payload }
func (m *message) Ack()            {}
