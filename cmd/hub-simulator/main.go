// Command hub-simulator runs a local MQTT broker that answers the IoT Hub and
// Device Provisioning Service device topics, with an HTTP control API for
// twins, direct methods, cloud-to-device messages and received telemetry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/saaga0h/iothub-device-samples/internal/hubsim"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/health"
	"github.com/saaga0h/iothub-device-samples/pkg/postgres"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration with hierarchy: defaults → file → env → flags
	cfg, err := config.Load("hub-simulator", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if err := cfg.Validate(config.KindSimulator); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	hostname := cfg.HubHostname
	if hostname == "" {
		hostname = "localhost"
	}

	logger.Info("Starting IoT Hub simulator",
		"listen", cfg.SimulatorListen,
		"hostname", hostname,
		"state_store", cfg.StateStore,
		"health_port", cfg.HealthPort,
		"route_telemetry", cfg.RouteTelemetry)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	store := redis.Open(cfg, logger)
	defer store.Close()

	hub := hubsim.NewHub(hostname, store, logger)

	if cfg.RouteTelemetry {
		pg := postgres.NewClient(cfg, logger)
		if err := routeTelemetry(hub, pg, logger); err != nil {
			logger.Error("Failed to set up telemetry route", "error", err)
			return 1
		}
		defer func() {
			logRouteStatus(pg, logger)
			pg.Disconnect()
		}()
	}

	server := hubsim.NewServer(cfg.SimulatorListen, hub, logger)
	if err := server.Start(); err != nil {
		logger.Error("Failed to start broker", "error", err)
		return 1
	}

	// Control API and health checks share one HTTP server
	router := mux.NewRouter()
	hubsim.NewAPI(hub, logger).Register(router)
	httpServer := health.Serve(cfg.HealthPort, health.NewChecker(server, store, logger), router, logger)

	<-sigChan
	logger.Info("Shutdown signal received (SIGTERM/SIGINT)")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
	server.Stop(shutdownCtx)

	logger.Info("Hub simulator shutdown complete")
	return 0
}

// routeTelemetry connects to Postgres and adds it as a telemetry endpoint
func routeTelemetry(hub *hubsim.Hub, pg postgres.Client, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pg.Connect(ctx); err != nil {
		return err
	}

	route := postgres.NewTelemetryRoute(pg)
	if err := route.EnsureSchema(ctx); err != nil {
		pg.Disconnect()
		return err
	}
	logRouteStatus(pg, logger)

	hub.AddRoute(func(ctx context.Context, r hubsim.TelemetryRecord) error {
		return route.Insert(ctx, r.DeviceID, r.Properties, r.Payload, r.ReceivedAt)
	})
	return nil
}

func logRouteStatus(pg postgres.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := pg.HealthCheck(ctx)
	if err != nil {
		logger.Warn("Telemetry route health check failed", "error", err)
		return
	}
	logger.Info("Telemetry route status",
		"database", status.Database,
		"connected", status.Connected,
		"table", status.TelemetryTable,
		"rows", status.TelemetryRows,
		"error", status.Error)
}
