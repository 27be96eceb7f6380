// Command twin-sample requests the device twin and reports the desired Test_count back as a reported property.
package main

import (
	"log/slog"

	"github.com/saaga0h/iothub-device-samples/internal/sample"
	"github.com/saaga0h/iothub-device-samples/internal/twin"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func main() {
	sample.Main("twin-sample", config.KindHub, sample.Hub(
		func(mqttClient mqtt.Client, store redis.Client, hub *iothub.Client, cfg *config.Config, logger *slog.Logger) (sample.Agent, error) {
			return twin.NewAgent(mqttClient, store, hub, cfg, logger), nil
		}))
}
