package hubsim

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
)

// plugin is the gmqtt plugin that feeds device messages into the hub
type plugin struct {
	hub     *Hub
	service gmqtt.Server
	logger  *slog.Logger
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	p.hub.SetPublisher(p.publish)
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	p.hub.SetPublisher(nil)
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iothub simulator" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) publish(topic string, payload []byte) {
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	p.service.PublishService().Publish(msg)
}

// OnConnectWrapper records connecting devices
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		p.logger.Info("Device connected", "client_id", clientID)
		p.hub.Connected(clientID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper hands device messages to the hub
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		p.hub.HandleMessage(ctx, client.OptionsReader().ClientID(), msg.Topic(), msg.Payload())
		return arrived(ctx, client, msg)
	}
}

// Server runs the simulator's MQTT broker
type Server struct {
	hub     *Hub
	listen  string
	logger  *slog.Logger
	addr    net.Addr
	stop    func(ctx context.Context)
	running atomic.Bool
}

// NewServer creates a broker listening on listen (host:port) once started
func NewServer(listen string, hub *Hub, logger *slog.Logger) *Server {
	return &Server{hub: hub, listen: listen, logger: logger}
}

// Start begins accepting MQTT connections. It does not block.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}

	srv := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(&plugin{hub: s.hub, logger: s.logger}),
	)
	srv.Run()

	s.addr = ln.Addr()
	s.stop = func(ctx context.Context) { srv.Stop(ctx) }
	s.running.Store(true)
	s.logger.Info("Hub simulator broker started", "addr", s.addr.String())
	return nil
}

// Addr returns the listening address after Start
func (s *Server) Addr() net.Addr {
	return s.addr
}

// IsConnected reports whether the broker is running
func (s *Server) IsConnected() bool {
	return s.running.Load()
}

// Stop shuts the broker down
func (s *Server) Stop(ctx context.Context) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.stop(ctx)
	s.logger.Info("Hub simulator broker stopped")
}
