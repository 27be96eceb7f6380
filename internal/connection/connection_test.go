package connection

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeSelfSigned writes a device certificate and key, returning their paths
func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "dev1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "device.pem")
	keyPath := filepath.Join(dir, "device.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func hubConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.HubHostname = "myhub.azure-devices.net"
	cfg.DeviceID = "dev1"
	cfg.HubSASKey = "c3VwZXItc2VjcmV0LWRldmljZS1rZXk="
	return cfg
}

func TestTLSConfig_X509(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir)

	cfg := hubConfig()
	cfg.X509CertPath = certPath
	cfg.X509KeyPath = keyPath
	cfg.X509TrustPath = certPath

	tlsCfg, err := TLSConfig(cfg)
	require.NoError(t, err)
	assert.Len(t, tlsCfg.Certificates, 1)
	assert.NotNil(t, tlsCfg.RootCAs)
}

func TestTLSConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0o600))

	cfg := hubConfig()
	cfg.X509TrustPath = bogus
	_, err := TLSConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificates found")

	cfg = hubConfig()
	cfg.X509TrustPath = filepath.Join(dir, "missing.pem")
	_, err = TLSConfig(cfg)
	assert.Error(t, err)

	cfg = hubConfig()
	cfg.X509CertPath = bogus
	cfg.X509KeyPath = bogus
	_, err = TLSConfig(cfg)
	assert.Error(t, err)
}

func TestHubOptions_SAS(t *testing.T) {
	cfg := hubConfig()
	cfg.ModelID = "dtmi:com:example:Thermostat;1"
	hub, err := NewHubClient(cfg)
	require.NoError(t, err)

	opts, err := HubOptions(cfg, hub, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "tls://myhub.azure-devices.net:8883", opts.BrokerURL)
	assert.Equal(t, "dev1", opts.ClientID)
	assert.Contains(t, opts.Username, "model-id=dtmi%3Acom%3Aexample%3AThermostat%3B1")
	assert.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.AutoReconnect)
	require.NotNil(t, opts.Password)

	password, err := opts.Password()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(password, "SharedAccessSignature sr=myhub.azure-devices.net%2Fdevices%2Fdev1&sig="))
}

func TestHubOptions_Simulator(t *testing.T) {
	cfg := hubConfig()
	cfg.HubSASKey = ""
	cfg.MQTTBrokerURL = "tcp://localhost:1883"
	hub, err := NewHubClient(cfg)
	require.NoError(t, err)

	opts, err := HubOptions(cfg, hub, testLogger())
	require.NoError(t, err)
	assert.Nil(t, opts.TLSConfig)
	assert.Nil(t, opts.Password)
}

func TestProvisioningOptions(t *testing.T) {
	cfg := config.NewConfig()
	cfg.IDScope = "0ne000A1B2C"
	cfg.RegistrationID = "reg-1"
	cfg.ProvisioningSASKey = "c3VwZXItc2VjcmV0LWRldmljZS1rZXk="

	dps, err := NewProvisioningClient(cfg)
	require.NoError(t, err)
	opts, err := ProvisioningOptions(cfg, dps, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "tls://global.azure-devices-provisioning.net:8883", opts.BrokerURL)
	assert.Equal(t, "0ne000A1B2C/registrations/reg-1/api-version=2019-03-31", opts.Username)
	assert.False(t, opts.AutoReconnect)

	password, err := opts.Password()
	require.NoError(t, err)
	assert.Contains(t, password, "&skn=registration")
}

func TestResolveProvisionedHub(t *testing.T) {
	ctx := context.Background()
	store := redis.NewMemoryClient()

	cfg := config.NewConfig()
	cfg.RegistrationID = "reg-1"
	cfg.UseProvisionedHub = true

	err := ResolveProvisionedHub(ctx, cfg, store, testLogger())
	assert.ErrorIs(t, err, ErrNotProvisioned)

	require.NoError(t, store.HSet(ctx, redis.ProvisioningKey("reg-1"), "assigned_hub", "assigned.azure-devices.net"))
	require.NoError(t, store.HSet(ctx, redis.ProvisioningKey("reg-1"), "device_id", "reg-1"))

	require.NoError(t, ResolveProvisionedHub(ctx, cfg, store, testLogger()))
	assert.Equal(t, "assigned.azure-devices.net", cfg.HubHostname)
	assert.Equal(t, "reg-1", cfg.DeviceID)

	off := config.NewConfig()
	require.NoError(t, ResolveProvisionedHub(ctx, off, store, testLogger()))
	assert.Empty(t, off.HubHostname)
}
