package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Kind selects which set of settings Validate requires.
type Kind int

const (
	// KindHub is a sample that talks to IoT Hub directly.
	KindHub Kind = iota
	// KindProvisioning is a sample that registers through the Device Provisioning Service.
	KindProvisioning
	// KindSimulator is the local hub simulator.
	KindSimulator
)

// AuthMode is the device authentication method.
type AuthMode string

const (
	AuthX509 AuthMode = "x509"
	AuthSAS  AuthMode = "sas"
)

// Config holds the configuration for a device sample
type Config struct {
	// IoT Hub configuration
	HubHostname           string `yaml:"hub_hostname"`
	DeviceID              string `yaml:"device_id"`
	ModelID               string `yaml:"model_id"`
	HubSASKey             string `yaml:"hub_sas_key"`
	SASKeyDurationMinutes int    `yaml:"sas_key_duration_minutes"`

	// TLS material
	X509CertPath  string `yaml:"x509_cert_path"`
	X509KeyPath   string `yaml:"x509_key_path"`
	X509TrustPath string `yaml:"x509_trust_path"`

	// MQTT connection settings
	MQTTPort          int    `yaml:"mqtt_port"`
	MQTTBrokerURL     string `yaml:"mqtt_broker_url"`
	KeepAliveSec      int    `yaml:"keep_alive_sec"`
	CleanSession      bool   `yaml:"clean_session"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`

	// Device Provisioning Service configuration
	ProvisioningEndpoint   string `yaml:"provisioning_endpoint"`
	IDScope                string `yaml:"id_scope"`
	RegistrationID         string `yaml:"registration_id"`
	ProvisioningSASKey     string `yaml:"provisioning_sas_key"`
	ProvisioningTimeoutSec int    `yaml:"provisioning_timeout_sec"`
	UseProvisionedHub      bool   `yaml:"use_provisioned_hub"`

	// State store configuration
	StateStore    string `yaml:"state_store"`
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Service configuration
	ServiceName string `yaml:"service_name"`
	HealthPort  int    `yaml:"health_port"`
	LogLevel    string `yaml:"log_level"`
	ConfigFile  string `yaml:"-"`

	// Sample behaviour
	RunDurationSec       int `yaml:"run_duration_sec"`
	TelemetryCount       int `yaml:"telemetry_count"`
	TelemetryIntervalSec int `yaml:"telemetry_interval_sec"`
	EventQueueSize       int `yaml:"event_queue_size"`

	// Hub simulator
	SimulatorListen string `yaml:"simulator_listen"`

	// Telemetry routing to Postgres (hub simulator)
	RouteTelemetry         bool   `yaml:"route_telemetry"`
	PostgresHost           string `yaml:"postgres_host"`
	PostgresPort           int    `yaml:"postgres_port"`
	PostgresDB             string `yaml:"postgres_db"`
	PostgresUser           string `yaml:"postgres_user"`
	PostgresPassword       string `yaml:"postgres_password"`
	PostgresSSLMode        string `yaml:"postgres_sslmode"`
	PostgresMaxConnections int    `yaml:"postgres_max_connections"`
}

// azureEnv mirrors the environment variables used by the Azure IoT device samples.
type azureEnv struct {
	HubHostname           string `env:"AZ_IOT_HUB_HOSTNAME"`
	HubDeviceID           string `env:"AZ_IOT_HUB_DEVICE_ID"`
	HubSASDeviceID        string `env:"AZ_IOT_HUB_SAS_DEVICE_ID"`
	HubSASKey             string `env:"AZ_IOT_HUB_SAS_KEY"`
	SASKeyDurationMinutes int    `env:"AZ_IOT_SAS_KEY_DURATION_MINUTES"`
	X509CertPath          string `env:"AZ_IOT_DEVICE_X509_CERT_PEM_FILE_PATH"`
	X509KeyPath           string `env:"AZ_IOT_DEVICE_X509_KEY_PEM_FILE_PATH"`
	X509TrustPath         string `env:"AZ_IOT_DEVICE_X509_TRUST_PEM_FILE_PATH"`
	IDScope               string `env:"AZ_IOT_PROVISIONING_ID_SCOPE"`
	RegistrationID        string `env:"AZ_IOT_PROVISIONING_REGISTRATION_ID"`
	SASRegistrationID     string `env:"AZ_IOT_PROVISIONING_SAS_REGISTRATION_ID"`
	ProvisioningSASKey    string `env:"AZ_IOT_PROVISIONING_SAS_KEY"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		SASKeyDurationMinutes:  120,
		MQTTPort:               8883,
		KeepAliveSec:           240,
		CleanSession:           false,
		ConnectTimeoutSec:      30,
		ProvisioningEndpoint:   "global.azure-devices-provisioning.net",
		ProvisioningTimeoutSec: 120,
		StateStore:             "memory",
		RedisHost:              "localhost",
		RedisPort:              6379,
		ServiceName:            "iothub-sample",
		HealthPort:             8080,
		LogLevel:               "info",
		RunDurationSec:         600,
		TelemetryCount:         100,
		TelemetryIntervalSec:   1,
		EventQueueSize:         10,
		SimulatorListen:        ":1883",
		PostgresHost:           "localhost",
		PostgresPort:           5432,
		PostgresDB:             "iothub",
		PostgresUser:           "postgres",
		PostgresSSLMode:        "disable",
		PostgresMaxConnections: 5,
	}
}

// Load builds the configuration with hierarchy: defaults → file → env → flags
func Load(serviceName string, args []string) (*Config, error) {
	cfg := NewConfig()
	cfg.ServiceName = serviceName

	path := configFileFromArgs(args)
	if path == "" {
		path = os.Getenv("IOTSAMPLE_CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	if err := cfg.LoadFromFlags(fs, args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile overlays values from a YAML file
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// LoadFromEnv loads Azure credentials from the AZ_IOT_* variables and service
// settings from IOTSAMPLE_* variables
func (c *Config) LoadFromEnv() error {
	var env azureEnv
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode Azure environment: %w", err)
	}
	c.applyAzureEnv(&env)

	if v := os.Getenv("IOTSAMPLE_MODEL_ID"); v != "" {
		c.ModelID = v
	}
	if v := os.Getenv("IOTSAMPLE_MQTT_BROKER_URL"); v != "" {
		c.MQTTBrokerURL = v
	}
	if v := os.Getenv("IOTSAMPLE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.MQTTPort = port
		}
	}
	if v := os.Getenv("IOTSAMPLE_PROVISIONING_ENDPOINT"); v != "" {
		c.ProvisioningEndpoint = v
	}
	if v := os.Getenv("IOTSAMPLE_USE_PROVISIONED_HUB"); v != "" {
		if use, err := strconv.ParseBool(v); err == nil {
			c.UseProvisionedHub = use
		}
	}

	// State store configuration
	if v := os.Getenv("IOTSAMPLE_STATE_STORE"); v != "" {
		c.StateStore = v
	}
	if v := os.Getenv("IOTSAMPLE_REDIS_HOST"); v != "" {
		c.RedisHost = v
	}
	if v := os.Getenv("IOTSAMPLE_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.RedisPort = port
		}
	}
	if v := os.Getenv("IOTSAMPLE_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("IOTSAMPLE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.RedisDB = db
		}
	}

	// Service configuration
	if v := os.Getenv("IOTSAMPLE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("IOTSAMPLE_HEALTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HealthPort = port
		}
	}
	if v := os.Getenv("IOTSAMPLE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// Sample behaviour
	if v := os.Getenv("IOTSAMPLE_RUN_DURATION_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.RunDurationSec = sec
		}
	}
	if v := os.Getenv("IOTSAMPLE_TELEMETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TelemetryCount = n
		}
	}
	if v := os.Getenv("IOTSAMPLE_TELEMETRY_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.TelemetryIntervalSec = sec
		}
	}
	if v := os.Getenv("IOTSAMPLE_SIMULATOR_LISTEN"); v != "" {
		c.SimulatorListen = v
	}

	// Telemetry routing
	if v := os.Getenv("IOTSAMPLE_ROUTE_TELEMETRY"); v != "" {
		if route, err := strconv.ParseBool(v); err == nil {
			c.RouteTelemetry = route
		}
	}
	if v := os.Getenv("IOTSAMPLE_POSTGRES_HOST"); v != "" {
		c.PostgresHost = v
	}
	if v := os.Getenv("IOTSAMPLE_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.PostgresPort = port
		}
	}
	if v := os.Getenv("IOTSAMPLE_POSTGRES_DB"); v != "" {
		c.PostgresDB = v
	}
	if v := os.Getenv("IOTSAMPLE_POSTGRES_USER"); v != "" {
		c.PostgresUser = v
	}
	if v := os.Getenv("IOTSAMPLE_POSTGRES_PASSWORD"); v != "" {
		c.PostgresPassword = v
	}
	if v := os.Getenv("IOTSAMPLE_POSTGRES_SSLMODE"); v != "" {
		c.PostgresSSLMode = v
	}

	return nil
}

func (c *Config) applyAzureEnv(env *azureEnv) {
	if env.HubHostname != "" {
		c.HubHostname = env.HubHostname
	}
	if env.HubDeviceID != "" {
		c.DeviceID = env.HubDeviceID
	}
	if env.HubSASKey != "" {
		c.HubSASKey = env.HubSASKey
		// SAS samples use their own device identity
		if env.HubSASDeviceID != "" {
			c.DeviceID = env.HubSASDeviceID
		}
	}
	if env.SASKeyDurationMinutes > 0 {
		c.SASKeyDurationMinutes = env.SASKeyDurationMinutes
	}
	if env.X509CertPath != "" {
		c.X509CertPath = env.X509CertPath
	}
	if env.X509KeyPath != "" {
		c.X509KeyPath = env.X509KeyPath
	}
	if env.X509TrustPath != "" {
		c.X509TrustPath = env.X509TrustPath
	}
	if env.IDScope != "" {
		c.IDScope = env.IDScope
	}
	if env.RegistrationID != "" {
		c.RegistrationID = env.RegistrationID
	}
	if env.ProvisioningSASKey != "" {
		c.ProvisioningSASKey = env.ProvisioningSASKey
		if env.SASRegistrationID != "" {
			c.RegistrationID = env.SASRegistrationID
		}
	}
}

// LoadFromFlags parses command-line flags and overrides config values
func (c *Config) LoadFromFlags(fs *pflag.FlagSet, args []string) error {
	// IoT Hub flags
	fs.StringVar(&c.HubHostname, "hub-hostname", c.HubHostname, "IoT Hub hostname")
	fs.StringVar(&c.DeviceID, "device-id", c.DeviceID, "IoT Hub device ID")
	fs.StringVar(&c.ModelID, "model-id", c.ModelID, "Plug and Play model ID announced on connect")
	fs.StringVar(&c.HubSASKey, "hub-sas-key", c.HubSASKey, "Device symmetric key for SAS authentication")
	fs.IntVar(&c.SASKeyDurationMinutes, "sas-key-duration-minutes", c.SASKeyDurationMinutes, "SAS token lifetime in minutes")

	// TLS flags
	fs.StringVar(&c.X509CertPath, "x509-cert", c.X509CertPath, "Device certificate PEM file")
	fs.StringVar(&c.X509KeyPath, "x509-key", c.X509KeyPath, "Device private key PEM file")
	fs.StringVar(&c.X509TrustPath, "x509-trust", c.X509TrustPath, "Trusted root CA PEM file")

	// MQTT flags
	fs.IntVar(&c.MQTTPort, "mqtt-port", c.MQTTPort, "MQTT broker port")
	fs.StringVar(&c.MQTTBrokerURL, "mqtt-broker-url", c.MQTTBrokerURL, "Override the broker URL (e.g. tcp://localhost:1883 for the simulator)")
	fs.IntVar(&c.KeepAliveSec, "keep-alive", c.KeepAliveSec, "MQTT keep-alive interval in seconds")
	fs.BoolVar(&c.CleanSession, "clean-session", c.CleanSession, "Request a clean MQTT session")
	fs.IntVar(&c.ConnectTimeoutSec, "connect-timeout", c.ConnectTimeoutSec, "Connection timeout in seconds")

	// Provisioning flags
	fs.StringVar(&c.ProvisioningEndpoint, "provisioning-endpoint", c.ProvisioningEndpoint, "Device Provisioning Service endpoint")
	fs.StringVar(&c.IDScope, "id-scope", c.IDScope, "Device Provisioning Service ID scope")
	fs.StringVar(&c.RegistrationID, "registration-id", c.RegistrationID, "Device Provisioning Service registration ID")
	fs.StringVar(&c.ProvisioningSASKey, "provisioning-sas-key", c.ProvisioningSASKey, "Enrollment symmetric key for SAS authentication")
	fs.IntVar(&c.ProvisioningTimeoutSec, "provisioning-timeout", c.ProvisioningTimeoutSec, "Overall provisioning timeout in seconds")
	fs.BoolVar(&c.UseProvisionedHub, "use-provisioned-hub", c.UseProvisionedHub, "Connect to the hub assigned by a previous provisioning run")

	// State store flags
	fs.StringVar(&c.StateStore, "state-store", c.StateStore, "State store backend (memory, redis)")
	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis hostname")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")

	// Service flags
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Service name")
	fs.IntVar(&c.HealthPort, "health-port", c.HealthPort, "Health check HTTP port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML configuration file")

	// Sample flags
	fs.IntVar(&c.RunDurationSec, "run-duration", c.RunDurationSec, "How long the sample runs, in seconds")
	fs.IntVar(&c.TelemetryCount, "telemetry-count", c.TelemetryCount, "Number of telemetry messages to send")
	fs.IntVar(&c.TelemetryIntervalSec, "telemetry-interval", c.TelemetryIntervalSec, "Seconds between telemetry messages")
	fs.IntVar(&c.EventQueueSize, "event-queue-size", c.EventQueueSize, "Capacity of the message event queue")

	// Simulator flags
	fs.StringVar(&c.SimulatorListen, "simulator-listen", c.SimulatorListen, "Listen address of the hub simulator")
	fs.BoolVar(&c.RouteTelemetry, "route-telemetry", c.RouteTelemetry, "Route received telemetry to Postgres")
	fs.StringVar(&c.PostgresHost, "postgres-host", c.PostgresHost, "Postgres hostname")
	fs.IntVar(&c.PostgresPort, "postgres-port", c.PostgresPort, "Postgres port")
	fs.StringVar(&c.PostgresDB, "postgres-db", c.PostgresDB, "Postgres database")
	fs.StringVar(&c.PostgresUser, "postgres-user", c.PostgresUser, "Postgres user")
	fs.StringVar(&c.PostgresPassword, "postgres-password", c.PostgresPassword, "Postgres password")
	fs.StringVar(&c.PostgresSSLMode, "postgres-sslmode", c.PostgresSSLMode, "Postgres sslmode")

	return fs.Parse(args)
}

// configFileFromArgs looks for --config before the full flag set exists
func configFileFromArgs(args []string) string {
	fs := pflag.NewFlagSet("config-file", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	if err := fs.Parse(args); err != nil {
		return ""
	}
	return *path
}

// Validate checks that required configuration values are set for the given kind of sample
func (c *Config) Validate(kind Kind) error {
	switch kind {
	case KindHub:
		if c.HubHostname == "" && !c.UseProvisionedHub {
			return fmt.Errorf("IoT Hub hostname is required (AZ_IOT_HUB_HOSTNAME)")
		}
		if c.DeviceID == "" && !c.UseProvisionedHub {
			return fmt.Errorf("device ID is required (AZ_IOT_HUB_DEVICE_ID)")
		}
		if err := c.validateCredentials(c.HubSASKey); err != nil {
			return err
		}
	case KindProvisioning:
		if c.ProvisioningEndpoint == "" {
			return fmt.Errorf("provisioning endpoint is required")
		}
		if c.IDScope == "" {
			return fmt.Errorf("ID scope is required (AZ_IOT_PROVISIONING_ID_SCOPE)")
		}
		if c.RegistrationID == "" {
			return fmt.Errorf("registration ID is required (AZ_IOT_PROVISIONING_REGISTRATION_ID)")
		}
		if err := c.validateCredentials(c.ProvisioningSASKey); err != nil {
			return err
		}
	case KindSimulator:
		if c.SimulatorListen == "" {
			return fmt.Errorf("simulator listen address is required")
		}
		if c.RouteTelemetry {
			if c.PostgresHost == "" {
				return fmt.Errorf("Postgres host is required when routing telemetry")
			}
			if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
				return fmt.Errorf("Postgres port must be between 1 and 65535")
			}
		}
	default:
		return fmt.Errorf("unknown sample kind: %d", kind)
	}

	if c.MQTTBrokerURL == "" && (c.MQTTPort <= 0 || c.MQTTPort > 65535) {
		return fmt.Errorf("MQTT port must be between 1 and 65535")
	}
	if c.KeepAliveSec <= 0 {
		return fmt.Errorf("keep-alive must be positive")
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("Health port must be between 1 and 65535")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("Service name is required")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("event queue size must be positive")
	}

	switch c.StateStore {
	case "memory":
	case "redis":
		if c.RedisHost == "" {
			return fmt.Errorf("Redis host is required")
		}
		if c.RedisPort <= 0 || c.RedisPort > 65535 {
			return fmt.Errorf("Redis port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid state store: %s (must be memory or redis)", c.StateStore)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

func (c *Config) validateCredentials(sasKey string) error {
	if c.X509CertPath != "" || c.X509KeyPath != "" {
		if c.X509CertPath == "" || c.X509KeyPath == "" {
			return fmt.Errorf("both x509 certificate and key files are required")
		}
		return nil
	}
	if sasKey == "" && c.MQTTBrokerURL == "" {
		return fmt.Errorf("either x509 certificate/key or a SAS key is required")
	}
	return nil
}

// AuthMode reports which credentials the sample connects with
func (c *Config) AuthMode() AuthMode {
	if c.X509CertPath != "" {
		return AuthX509
	}
	return AuthSAS
}

// HubBrokerURL returns the MQTT broker URL for IoT Hub
func (c *Config) HubBrokerURL() string {
	if c.MQTTBrokerURL != "" {
		return c.MQTTBrokerURL
	}
	return fmt.Sprintf("tls://%s:%d", c.HubHostname, c.MQTTPort)
}

// ProvisioningBrokerURL returns the MQTT broker URL for the provisioning service
func (c *Config) ProvisioningBrokerURL() string {
	if c.MQTTBrokerURL != "" {
		return c.MQTTBrokerURL
	}
	return fmt.Sprintf("tls://%s:%d", c.ProvisioningEndpoint, c.MQTTPort)
}

// RedisAddress returns the full Redis address
func (c *Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresConnectionString returns the lib/pq connection string
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresUser, c.PostgresPassword, c.PostgresSSLMode)
}

// RunDuration returns how long a sample keeps processing messages
func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.RunDurationSec) * time.Second
}

// KeepAlive returns the MQTT keep-alive interval
func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// ConnectTimeout returns the MQTT connect timeout
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// SASKeyDuration returns the SAS token lifetime
func (c *Config) SASKeyDuration() time.Duration {
	return time.Duration(c.SASKeyDurationMinutes) * time.Minute
}

// TelemetryInterval returns the delay between telemetry messages
func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.TelemetryIntervalSec) * time.Second
}

// ProvisioningTimeout returns the overall registration timeout
func (c *Config) ProvisioningTimeout() time.Duration {
	return time.Duration(c.ProvisioningTimeoutSec) * time.Second
}

// SlogLevel maps the configured log level onto slog
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
