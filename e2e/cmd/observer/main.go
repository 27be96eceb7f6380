// Command observer records the telemetry a device sends to the hub simulator
// and saves periodic snapshots.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/saaga0h/iothub-device-samples/e2e/internal/hubclient"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/observer"
)

func main() {
	apiURL := pflag.String("api-url", "http://localhost:8080", "Hub simulator control API URL")
	deviceID := pflag.String("device-id", "", "Device to observe (required)")
	outputDir := pflag.String("output-dir", "./test-output/captures", "Output directory for captures")
	pollInterval := pflag.Duration("poll-interval", time.Second, "Telemetry poll interval")
	snapshotInterval := pflag.Duration("snapshot-interval", 30*time.Second, "Snapshot interval")
	pflag.Parse()

	if *deviceID == "" {
		fmt.Fprintf(os.Stderr, "Error: --device-id is required\n")
		pflag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	obs := observer.NewObserver(hubclient.New(*apiURL, nil), *deviceID, *pollInterval, logger)
	logger.Info("Starting telemetry observer", "device_id", *deviceID, "api_url", *apiURL)
	obs.Start(ctx)
	defer obs.Stop()

	ticker := time.NewTicker(*snapshotInterval)
	defer ticker.Stop()

	snapshotCount := 0
	for {
		select {
		case <-ticker.C:
			snapshotCount++
			timestamp := time.Now().Format("20060102-150405")
			filename := filepath.Join(*outputDir, fmt.Sprintf("snapshot-%s-%03d.json", timestamp, snapshotCount))
			if err := obs.SaveCapture(filename); err != nil {
				logger.Warn("Failed to save snapshot", "error", err)
			}

		case <-ctx.Done():
			logger.Info("Shutting down")
			timestamp := time.Now().Format("20060102-150405")
			filename := filepath.Join(*outputDir, fmt.Sprintf("final-%s.json", timestamp))
			if err := obs.SaveCapture(filename); err != nil {
				logger.Warn("Failed to save final capture", "error", err)
			}
			return
		}
	}
}
