// Package sample holds the process lifecycle shared by the sample commands:
// configuration, logging, state store, health server, signals and shutdown.
package sample

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saaga0h/iothub-device-samples/internal/connection"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/health"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

// Agent is a runnable sample
type Agent interface {
	Start(ctx context.Context) error
	Stop() error
}

// Setup builds the agent and the MQTT client it runs on
type Setup func(ctx context.Context, cfg *config.Config, store redis.Client, logger *slog.Logger) (Agent, mqtt.Client, error)

// HubAgentFactory creates an agent for an IoT Hub device connection
type HubAgentFactory func(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) (Agent, error)

// HubOption adjusts the device connection of a Hub setup
type HubOption func(cfg *config.Config)

// WithDefaultModelID announces modelID unless the configuration names one
func WithDefaultModelID(modelID string) HubOption {
	return func(cfg *config.Config) {
		if cfg.ModelID == "" {
			cfg.ModelID = modelID
		}
	}
}

// Hub returns a Setup that connects to IoT Hub as the configured device
func Hub(factory HubAgentFactory, opts ...HubOption) Setup {
	return func(ctx context.Context, cfg *config.Config, store redis.Client, logger *slog.Logger) (Agent, mqtt.Client, error) {
		for _, opt := range opts {
			opt(cfg)
		}
		if err := connection.ResolveProvisionedHub(ctx, cfg, store, logger); err != nil {
			return nil, nil, err
		}

		hub, err := connection.NewHubClient(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid device identity: %w", err)
		}

		mqttOpts, err := connection.HubOptions(cfg, hub, logger)
		if err != nil {
			return nil, nil, err
		}
		mqttClient := mqtt.NewClient(mqttOpts, logger)

		agent, err := factory(mqttClient, store, hub, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return agent, mqttClient, nil
	}
}

// Main runs a sample to completion and exits the process. The exit code is
// non-zero when configuration, setup or the agent fails.
func Main(serviceName string, kind config.Kind, setup Setup) {
	os.Exit(run(serviceName, kind, setup))
}

func run(serviceName string, kind config.Kind, setup Setup) int {
	// Load configuration with hierarchy: defaults → file → env → flags
	cfg, err := config.Load(serviceName, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if err := cfg.Validate(kind); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Azure IoT sample",
		"service_name", cfg.ServiceName,
		"auth_mode", string(cfg.AuthMode()),
		"state_store", cfg.StateStore,
		"log_level", cfg.LogLevel)

	// Set up context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	store := redis.Open(cfg, logger)

	agent, mqttClient, err := setup(ctx, cfg, store, logger)
	if err != nil {
		logger.Error("Failed to set up sample", "error", err)
		store.Close()
		return 1
	}

	// Start health check server
	healthChecker := health.NewChecker(mqttClient, store, logger)
	httpServer := health.Serve(cfg.HealthPort, healthChecker, nil, logger)

	// Start agent in a goroutine
	done := make(chan error, 1)
	go func() {
		done <- agent.Start(ctx)
	}()

	exitCode := 0
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received (SIGTERM/SIGINT)")
		cancel()
		if err := <-done; err != nil {
			logger.Error("Sample error during shutdown", "error", err)
		}
	case err := <-done:
		if err != nil {
			logger.Error("Sample failed", "error", err)
			exitCode = 1
		} else {
			logger.Info("Sample completed")
		}
	}

	// Graceful shutdown
	logger.Info("Initiating graceful shutdown")
	cancel()

	if err := agent.Stop(); err != nil {
		logger.Error("Error stopping sample", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down health server", "error", err)
	}

	logger.Info("Shutdown complete", "exit_code", exitCode)
	return exitCode
}
