// Command pnp-sample runs a Plug and Play thermostat that announces its model
// ID, accepts targetTemperature and answers getMaxMinReport.
package main

import (
	"log/slog"

	"github.com/saaga0h/iothub-device-samples/internal/pnp"
	"github.com/saaga0h/iothub-device-samples/internal/sample"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func main() {
	sample.Main("pnp-sample", config.KindHub, sample.Hub(
		func(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) (sample.Agent, error) {
			agent, err := pnp.NewAgent(mqttClient, store, hub, cfg, logger)
			if err != nil {
				return nil, err
			}
			return agent, nil
		},
		sample.WithDefaultModelID(pnp.ModelID)))
}
