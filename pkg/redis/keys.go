package redis

import "fmt"

// Key construction helpers for device state

// DeviceTwinKey returns the key for the last known twin properties (hash)
// Pattern: device:{device_id}:twin
func DeviceTwinKey(deviceID string) string {
	return fmt.Sprintf("device:%s:twin", deviceID)
}

// DeviceStatsKey returns the key for per-sample counters (hash)
// Pattern: device:{device_id}:stats
func DeviceStatsKey(deviceID string) string {
	return fmt.Sprintf("device:%s:stats", deviceID)
}

// DeviceMessagesKey returns the key for recent cloud-to-device messages (list)
// Pattern: device:{device_id}:c2d
func DeviceMessagesKey(deviceID string) string {
	return fmt.Sprintf("device:%s:c2d", deviceID)
}

// ProvisioningKey returns the key for a cached registration result (hash)
// Pattern: dps:{registration_id}
func ProvisioningKey(registrationID string) string {
	return fmt.Sprintf("dps:%s", registrationID)
}

// HubTelemetryKey returns the key for telemetry received by the hub simulator (list)
// Pattern: hub:{device_id}:telemetry
func HubTelemetryKey(deviceID string) string {
	return fmt.Sprintf("hub:%s:telemetry", deviceID)
}

// HubTwinKey returns the key for the twin document held by the hub simulator (string)
// Pattern: hub:{device_id}:twin
func HubTwinKey(deviceID string) string {
	return fmt.Sprintf("hub:%s:twin", deviceID)
}
