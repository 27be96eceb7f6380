package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Options describes a device connection
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       PasswordProvider
	TLSConfig      *tls.Config
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
	AutoReconnect  bool
}

type subscription struct {
	topic   string
	qos     byte
	handler pahomqtt.MessageHandler
}

// mqttClient implements the Client interface using the Paho MQTT client
type mqttClient struct {
	client pahomqtt.Client
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	subs []subscription
}

// NewClient creates a new MQTT client with the given options
func NewClient(opts Options, logger *slog.Logger) Client {
	m := &mqttClient{
		opts:   opts,
		logger: logger,
	}

	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.BrokerURL)
	po.SetClientID(opts.ClientID)
	po.SetProtocolVersion(4)

	if opts.TLSConfig != nil {
		po.SetTLSConfig(opts.TLSConfig)
	}

	// Credentials are evaluated on every connect so SAS tokens stay fresh
	po.SetCredentialsProvider(func() (string, string) {
		if opts.Password == nil {
			return opts.Username, ""
		}
		password, err := opts.Password()
		if err != nil {
			logger.Error("Failed to generate MQTT password", "error", err)
			return opts.Username, ""
		}
		return opts.Username, password
	})

	// Connection settings
	po.SetCleanSession(opts.CleanSession)
	po.SetAutoReconnect(opts.AutoReconnect)
	po.SetMaxReconnectInterval(30 * time.Second)
	po.SetOrderMatters(false)
	if opts.KeepAlive > 0 {
		po.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		po.SetConnectTimeout(opts.ConnectTimeout)
	}

	// Connection handlers
	po.OnConnect = func(c pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", "broker", opts.BrokerURL, "client_id", opts.ClientID)
		m.resubscribe(c)
	}

	po.OnConnectionLost = func(c pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	}

	po.OnReconnecting = func(c pahomqtt.Client, opts *pahomqtt.ClientOptions) {
		logger.Info("MQTT reconnecting...")
	}

	m.client = pahomqtt.NewClient(po)
	return m
}

// Connect establishes a connection to the MQTT broker
func (m *mqttClient) Connect(ctx context.Context) error {
	m.logger.Info("Connecting to MQTT broker", "broker", m.opts.BrokerURL)

	if err := contextToken(ctx, m.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Disconnect closes the connection to the MQTT broker
func (m *mqttClient) Disconnect() {
	m.logger.Info("Disconnecting from MQTT broker")
	m.client.Disconnect(250) // 250ms grace period
}

// Subscribe subscribes to a topic with the given QoS and handler
func (m *mqttClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	m.logger.Info("Subscribing to MQTT topic", "topic", topic, "qos", qos)

	// Wrap the handler to convert paho message to our interface
	pahoHandler := func(client pahomqtt.Client, msg pahomqtt.Message) {
		handler(&mqttMessage{msg: msg})
	}

	token := m.client.Subscribe(topic, qos, pahoHandler)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	m.mu.Lock()
	m.subs = append(m.subs, subscription{topic: topic, qos: qos, handler: pahoHandler})
	m.mu.Unlock()

	m.logger.Info("Successfully subscribed to topic", "topic", topic)
	return nil
}

// Unsubscribe removes subscriptions for the given topics
func (m *mqttClient) Unsubscribe(topics ...string) error {
	token := m.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from %v: %w", topics, token.Error())
	}

	m.mu.Lock()
	kept := m.subs[:0]
	for _, s := range m.subs {
		if !contains(topics, s.topic) {
			kept = append(kept, s)
		}
	}
	m.subs = kept
	m.mu.Unlock()
	return nil
}

// Publish publishes a message to a topic
func (m *mqttClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := m.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	m.logger.Debug("Published message", "topic", topic, "size", len(payload))
	return nil
}

// IsConnected returns whether the client is currently connected
func (m *mqttClient) IsConnected() bool {
	return m.client.IsConnected()
}

// resubscribe restores subscriptions after a reconnect that lost the session
func (m *mqttClient) resubscribe(c pahomqtt.Client) {
	m.mu.Lock()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		token := c.Subscribe(s.topic, s.qos, s.handler)
		if token.Wait() && token.Error() != nil {
			m.logger.Error("Failed to resubscribe", "topic", s.topic, "error", token.Error())
		}
	}
}

// contextToken waits for a paho token or the context, whichever finishes first
func contextToken(ctx context.Context, t pahomqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Done():
		return t.Error()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mqttMessage wraps a Paho MQTT message to implement our Message interface
type mqttMessage struct {
	msg pahomqtt.Message
}

func (m *mqttMessage) Topic() string {
	return m.msg.Topic()
}

func (m *mqttMessage) Payload() []byte {
	return m.msg.Payload()
}

func (m *mqttMessage) Ack() {
	m.msg.Ack()
}
