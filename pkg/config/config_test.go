package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHubConfig() *Config {
	cfg := NewConfig()
	cfg.HubHostname = "myhub.azure-devices.net"
	cfg.DeviceID = "thermostat-1"
	cfg.HubSASKey = "c2VjcmV0"
	return cfg
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 8883, cfg.MQTTPort)
	assert.Equal(t, 120, cfg.SASKeyDurationMinutes)
	assert.Equal(t, "global.azure-devices-provisioning.net", cfg.ProvisioningEndpoint)
	assert.Equal(t, "memory", cfg.StateStore)
	assert.Equal(t, 10, cfg.EventQueueSize)
	assert.Equal(t, 100, cfg.TelemetryCount)
	assert.Equal(t, 2*time.Hour, cfg.SASKeyDuration())
}

func TestLoadFromEnv_AzureVariables(t *testing.T) {
	t.Setenv("AZ_IOT_HUB_HOSTNAME", "myhub.azure-devices.net")
	t.Setenv("AZ_IOT_HUB_DEVICE_ID", "x509-device")
	t.Setenv("AZ_IOT_HUB_SAS_DEVICE_ID", "sas-device")
	t.Setenv("AZ_IOT_HUB_SAS_KEY", "c2VjcmV0")
	t.Setenv("AZ_IOT_SAS_KEY_DURATION_MINUTES", "30")
	t.Setenv("AZ_IOT_PROVISIONING_ID_SCOPE", "0ne000A1B2C")
	t.Setenv("AZ_IOT_PROVISIONING_REGISTRATION_ID", "x509-reg")

	cfg := NewConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "myhub.azure-devices.net", cfg.HubHostname)
	assert.Equal(t, "sas-device", cfg.DeviceID, "SAS key selects the SAS device identity")
	assert.Equal(t, "c2VjcmV0", cfg.HubSASKey)
	assert.Equal(t, 30, cfg.SASKeyDurationMinutes)
	assert.Equal(t, "0ne000A1B2C", cfg.IDScope)
	assert.Equal(t, "x509-reg", cfg.RegistrationID, "no provisioning key keeps the x509 registration")
}

func TestLoadFromEnv_ServiceVariables(t *testing.T) {
	t.Setenv("IOTSAMPLE_STATE_STORE", "redis")
	t.Setenv("IOTSAMPLE_REDIS_PORT", "6380")
	t.Setenv("IOTSAMPLE_LOG_LEVEL", "debug")
	t.Setenv("IOTSAMPLE_RUN_DURATION_SEC", "15")
	t.Setenv("IOTSAMPLE_HEALTH_PORT", "not-a-number")

	cfg := NewConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "redis", cfg.StateStore)
	assert.Equal(t, 6380, cfg.RedisPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.RunDuration())
	assert.Equal(t, 8080, cfg.HealthPort, "unparsable values keep the default")
}

func TestLoad_Hierarchy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.yaml")
	content := []byte("hub_hostname: file-hub.azure-devices.net\ndevice_id: file-device\nlog_level: warn\nrun_duration_sec: 42\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("AZ_IOT_HUB_DEVICE_ID", "env-device")

	cfg, err := Load("twin-sample", []string{"--config", path, "--log-level", "error"})
	require.NoError(t, err)

	assert.Equal(t, "file-hub.azure-devices.net", cfg.HubHostname, "file value kept")
	assert.Equal(t, "env-device", cfg.DeviceID, "env overrides file")
	assert.Equal(t, "error", cfg.LogLevel, "flag overrides file")
	assert.Equal(t, 42, cfg.RunDurationSec)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "twin-sample", cfg.ServiceName)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("twin-sample", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "valid SAS hub config",
			kind: KindHub,
		},
		{
			name:    "missing hostname",
			kind:    KindHub,
			mutate:  func(c *Config) { c.HubHostname = "" },
			wantErr: "hostname is required",
		},
		{
			name: "provisioned hub skips hostname",
			kind: KindHub,
			mutate: func(c *Config) {
				c.HubHostname = ""
				c.DeviceID = ""
				c.UseProvisionedHub = true
			},
		},
		{
			name:    "no credentials",
			kind:    KindHub,
			mutate:  func(c *Config) { c.HubSASKey = "" },
			wantErr: "SAS key is required",
		},
		{
			name: "x509 without key",
			kind: KindHub,
			mutate: func(c *Config) {
				c.HubSASKey = ""
				c.X509CertPath = "/certs/device.pem"
			},
			wantErr: "certificate and key",
		},
		{
			name: "simulator broker needs no credentials",
			kind: KindHub,
			mutate: func(c *Config) {
				c.HubSASKey = ""
				c.MQTTBrokerURL = "tcp://localhost:1883"
			},
		},
		{
			name:    "missing ID scope",
			kind:    KindProvisioning,
			mutate:  func(c *Config) { c.RegistrationID = "reg"; c.ProvisioningSASKey = "k" },
			wantErr: "ID scope is required",
		},
		{
			name: "valid provisioning config",
			kind: KindProvisioning,
			mutate: func(c *Config) {
				c.IDScope = "0ne000A1B2C"
				c.RegistrationID = "reg"
				c.ProvisioningSASKey = "k"
			},
		},
		{
			name:    "bad state store",
			kind:    KindHub,
			mutate:  func(c *Config) { c.StateStore = "etcd" },
			wantErr: "invalid state store",
		},
		{
			name:    "bad log level",
			kind:    KindHub,
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "invalid log level",
		},
		{
			name:    "zero queue",
			kind:    KindHub,
			mutate:  func(c *Config) { c.EventQueueSize = 0 },
			wantErr: "queue size",
		},
		{
			name: "simulator",
			kind: KindSimulator,
			mutate: func(c *Config) {
				c.HubSASKey = ""
			},
		},
		{
			name: "simulator routing without postgres host",
			kind: KindSimulator,
			mutate: func(c *Config) {
				c.RouteTelemetry = true
				c.PostgresHost = ""
			},
			wantErr: "Postgres host is required",
		},
		{
			name: "simulator routing bad port",
			kind: KindSimulator,
			mutate: func(c *Config) {
				c.RouteTelemetry = true
				c.PostgresPort = 0
			},
			wantErr: "Postgres port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validHubConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.kind)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBrokerURLs(t *testing.T) {
	cfg := validHubConfig()
	cfg.IDScope = "scope"

	assert.Equal(t, "tls://myhub.azure-devices.net:8883", cfg.HubBrokerURL())
	assert.Equal(t, "tls://global.azure-devices-provisioning.net:8883", cfg.ProvisioningBrokerURL())

	cfg.MQTTBrokerURL = "tcp://localhost:1883"
	assert.Equal(t, "tcp://localhost:1883", cfg.HubBrokerURL())
	assert.Equal(t, "tcp://localhost:1883", cfg.ProvisioningBrokerURL())
}

func TestAuthModeAndLevel(t *testing.T) {
	cfg := validHubConfig()
	assert.Equal(t, AuthSAS, cfg.AuthMode())

	cfg.X509CertPath = "/certs/device.pem"
	assert.Equal(t, AuthX509, cfg.AuthMode())

	cfg.LogLevel = "warn"
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestPostgresConnectionString(t *testing.T) {
	cfg := NewConfig()
	cfg.PostgresPassword = "secret"
	assert.Equal(t, "host=localhost port=5432 dbname=iothub user=postgres password=secret sslmode=disable", cfg.PostgresConnectionString())
}
