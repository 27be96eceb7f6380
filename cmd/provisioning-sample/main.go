// Command provisioning-sample registers the device with the Device
// Provisioning Service and caches the assigned hub in the state store.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/saaga0h/iothub-device-samples/internal/connection"
	"github.com/saaga0h/iothub-device-samples/internal/registration"
	"github.com/saaga0h/iothub-device-samples/internal/sample"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func main() {
	sample.Main("provisioning-sample", config.KindProvisioning, setup)
}

func setup(ctx context.Context, cfg *config.Config, store redis.Client, logger *slog.Logger) (sample.Agent, mqtt.Client, error) {
	dps, err := connection.NewProvisioningClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid registration identity: %w", err)
	}

	opts, err := connection.ProvisioningOptions(cfg, dps, logger)
	if err != nil {
		return nil, nil, err
	}
	mqttClient := mqtt.NewClient(opts, logger)

	return registration.NewAgent(mqttClient, store, dps, cfg, logger), mqttClient, nil
}
