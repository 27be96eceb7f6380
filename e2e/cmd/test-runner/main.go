// Command test-runner plays a YAML scenario against the hub simulator while
// a sample runs as the device, then checks the resulting twin, telemetry,
// method responses and sample state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/saaga0h/iothub-device-samples/e2e/internal/executor"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/hubclient"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/reporter"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/scenario"
	"github.com/saaga0h/iothub-device-samples/pkg/config"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("test-runner", pflag.ContinueOnError)
	scenarioPath := fs.String("scenario", "", "Path to YAML scenario file (required)")
	apiURL := fs.String("api-url", "http://localhost:8080", "Hub simulator control API URL")
	redisHost := fs.String("redis-host", "", "Redis host of the sample under test (state checks are skipped when empty)")
	redisPort := fs.Int("redis-port", 6379, "Redis port")
	outputDir := fs.String("output-dir", "./test-output", "Output directory for test artifacts")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	if *scenarioPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --scenario is required\n")
		fs.Usage()
		return 1
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	logger.Info("Loading scenario", "path", *scenarioPath)
	scen, err := scenario.LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scenario: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store redis.Client
	if *redisHost != "" {
		store = redis.NewClient(&config.Config{RedisHost: *redisHost, RedisPort: *redisPort}, logger)
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to Redis: %v\n", err)
			return 1
		}
		logger.Info("Connected to Redis", "host", *redisHost, "port", *redisPort)
	}

	runner := executor.NewRunner(hubclient.New(*apiURL, nil), store, logger)

	result, timelineEvents, err := runner.Run(ctx, scen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Test execution failed: %v\n", err)
		return 1
	}

	scenarioName := strings.TrimSuffix(filepath.Base(*scenarioPath), filepath.Ext(*scenarioPath))

	timeline := reporter.GenerateTimeline(result, timelineEvents)
	fmt.Println(timeline)

	timelinePath := filepath.Join(*outputDir, "timelines", scenarioName+".txt")
	if err := reporter.SaveTimeline(timeline, timelinePath); err != nil {
		logger.Warn("Failed to save timeline", "error", err)
	} else {
		logger.Info("Timeline saved", "path", timelinePath)
	}

	capturePath := filepath.Join(*outputDir, "captures", scenarioName+".json")
	if err := runner.SaveCapture(capturePath); err != nil {
		logger.Warn("Failed to save capture", "error", err)
	}

	summaryPath := filepath.Join(*outputDir, "summaries", scenarioName+".json")
	if err := reporter.SaveSummary(result, summaryPath); err != nil {
		logger.Warn("Failed to save summary", "error", err)
	} else {
		logger.Info("Summary saved", "path", summaryPath)
	}

	if !result.Passed {
		return 1
	}
	return 0
}
