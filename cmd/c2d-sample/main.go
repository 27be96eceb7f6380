// Command c2d-sample receives cloud-to-device messages from IoT Hub.
package main

import (
	"log/slog"

	"github.com/saaga0h/iothub-device-samples/internal/c2d"
	"github.com/saaga0h/iothub-device-samples/internal/sample"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func main() {
	sample.Main("c2d-sample", config.KindHub, sample.Hub(
		func(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) (sample.Agent, error) {
			return c2d.NewAgent(mqttClient, store, hub, cfg, logger), nil
		}))
}
