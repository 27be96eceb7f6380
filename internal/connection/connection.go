// Package connection turns sample configuration into broker connection options
// for IoT Hub and the Device Provisioning Service.
package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
	"github.com/saaga0h/iothub-device-samples/pkg/mqtt"
	"github.com/saaga0h/iothub-device-samples/pkg/provisioning"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

// ErrNotProvisioned is returned when no cached registration exists
var ErrNotProvisioned = errors.New("device has not been provisioned")

// TLSConfig loads the trusted roots and the device certificate, if configured
func TLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.X509TrustPath != "" {
		pem, err := os.ReadFile(cfg.X509TrustPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust bundle %s: %w", cfg.X509TrustPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in trust bundle %s", cfg.X509TrustPath)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.X509CertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.X509CertPath, cfg.X509KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load device certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// NewHubClient derives the IoT Hub identity from configuration
func NewHubClient(cfg *config.Config) (*iothub.Client, error) {
	var opts []iothub.Option
	if cfg.ModelID != "" {
		opts = append(opts, iothub.WithModelID(cfg.ModelID))
	}
	return iothub.NewClient(cfg.HubHostname, cfg.DeviceID, opts...)
}

// NewProvisioningClient derives the registration identity from configuration
func NewProvisioningClient(cfg *config.Config) (*provisioning.Client, error) {
	var opts []provisioning.Option
	if cfg.ModelID != "" {
		opts = append(opts, provisioning.WithModelID(cfg.ModelID))
	}
	return provisioning.NewClient(cfg.ProvisioningEndpoint, cfg.IDScope, cfg.RegistrationID, opts...)
}

// HubOptions builds the MQTT options for a device connection to IoT Hub
func HubOptions(cfg *config.Config, hub *iothub.Client, logger *slog.Logger) (mqtt.Options, error) {
	brokerURL := cfg.HubBrokerURL()
	opts := mqtt.Options{
		BrokerURL:      brokerURL,
		ClientID:       hub.ClientID(),
		Username:       hub.Username(),
		KeepAlive:      cfg.KeepAlive(),
		ConnectTimeout: cfg.ConnectTimeout(),
		CleanSession:   cfg.CleanSession,
		AutoReconnect:  true,
	}

	if err := applySecurity(&opts, cfg, cfg.HubSASKey, brokerURL, hub.SASPassword); err != nil {
		return mqtt.Options{}, err
	}

	logger.Info("Prepared IoT Hub connection",
		"broker", brokerURL,
		"client_id", opts.ClientID,
		"auth", cfg.AuthMode(),
		"model_id", hub.ModelID())
	return opts, nil
}

// ProvisioningOptions builds the MQTT options for a registration session
func ProvisioningOptions(cfg *config.Config, dps *provisioning.Client, logger *slog.Logger) (mqtt.Options, error) {
	brokerURL := cfg.ProvisioningBrokerURL()
	opts := mqtt.Options{
		BrokerURL:      brokerURL,
		ClientID:       dps.ClientID(),
		Username:       dps.Username(),
		KeepAlive:      cfg.KeepAlive(),
		ConnectTimeout: cfg.ConnectTimeout(),
		CleanSession:   true,
	}

	if err := applySecurity(&opts, cfg, cfg.ProvisioningSASKey, brokerURL, dps.SASPassword); err != nil {
		return mqtt.Options{}, err
	}

	logger.Info("Prepared provisioning connection",
		"broker", brokerURL,
		"registration_id", dps.RegistrationID(),
		"auth", cfg.AuthMode())
	return opts, nil
}

type signer func(key string, expiry time.Time) (string, error)

func applySecurity(opts *mqtt.Options, cfg *config.Config, sasKey, brokerURL string, sign signer) error {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker URL %s: %w", brokerURL, err)
	}
	switch u.Scheme {
	case "tls", "ssl", "mqtts", "tcps":
		tlsCfg, err := TLSConfig(cfg)
		if err != nil {
			return err
		}
		opts.TLSConfig = tlsCfg
	}

	if cfg.AuthMode() == config.AuthSAS && sasKey != "" {
		duration := cfg.SASKeyDuration()
		opts.Password = func() (string, error) {
			return sign(sasKey, time.Now().Add(duration))
		}
	}
	return nil
}

// ResolveProvisionedHub fills the hub host name and device ID from a cached
// registration when the configuration asks for it
func ResolveProvisionedHub(ctx context.Context, cfg *config.Config, store redis.Client, logger *slog.Logger) error {
	if !cfg.UseProvisionedHub {
		return nil
	}
	if cfg.RegistrationID == "" {
		return fmt.Errorf("registration ID is required to use the provisioned hub")
	}

	fields, err := store.HGetAll(ctx, redis.ProvisioningKey(cfg.RegistrationID))
	if err != nil {
		return fmt.Errorf("failed to read provisioning result: %w", err)
	}
	hub, device := fields["assigned_hub"], fields["device_id"]
	if hub == "" || device == "" {
		return fmt.Errorf("%w: registration %s", ErrNotProvisioned, cfg.RegistrationID)
	}

	cfg.HubHostname = hub
	cfg.DeviceID = device
	logger.Info("Using provisioned hub", "hub", hub, "device_id", device)
	return nil
}
