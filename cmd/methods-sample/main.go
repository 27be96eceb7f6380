// Command methods-sample answers direct method invocations from IoT Hub.
package main

import (
	"log/slog"

	"github.com/saaga0h/iothub-device-samples/internal/methods"
	"github.com/saaga0h/iothub-device-samples/internal/sample"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func main() {
	sample.Main("methods-sample", config.KindHub, sample.Hub(
		func(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) (sample.Agent, error) {
			return methods.NewAgent(mqttClient, store, hub, cfg, logger), nil
		}))
}
