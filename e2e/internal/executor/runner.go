package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/saaga0h/iothub-device-samples/e2e/internal/checker"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/hubclient"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/observer"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/reporter"
	"github.com/saaga0h/iothub-device-samples/e2e/internal/scenario"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

const (
	devicePollInterval    = 500 * time.Millisecond
	telemetryPollInterval = time.Second
)

// Runner orchestrates test scenario execution
type Runner struct {
	api      *hubclient.Client
	store    redis.Client
	logger   *slog.Logger
	observer *observer.Observer
	player   *HubPlayer
}

// NewRunner creates a runner driving the simulator through api. store may be
// nil when no scenario checks sample state.
func NewRunner(api *hubclient.Client, store redis.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		api:    api,
		store:  store,
		logger: logger,
	}
}

type layerExp struct {
	layer string
	exp   scenario.Expectation
}

// Run executes a test scenario
func (r *Runner) Run(ctx context.Context, s *scenario.Scenario) (*scenario.TestResult, []reporter.TimelineEvent, error) {
	r.logger.Info("Starting scenario", "name", s.Name, "description", s.Description)

	deviceID := s.Setup.DeviceID
	r.observer = observer.NewObserver(r.api, deviceID, telemetryPollInterval, r.logger)
	r.player = NewHubPlayer(r.api, deviceID, r.logger)

	// Wait for the sample under test to connect
	r.logger.Info("Waiting for device", "device_id", deviceID, "timeout_sec", s.Setup.StartupTimeout)
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(s.Setup.StartupTimeout)*time.Second)
	err := r.api.WaitForDevice(waitCtx, deviceID, devicePollInterval)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("device did not connect: %w", err)
	}

	if len(s.Setup.Desired) > 0 {
		version, err := r.api.SetDesired(ctx, deviceID, s.Setup.Desired)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to apply initial desired properties: %w", err)
		}
		r.logger.Info("Initial desired properties applied", "version", version)
	}

	r.observer.Start(ctx)
	defer r.observer.Stop()

	startTime := time.Now()
	var timelineEvents []reporter.TimelineEvent

	events := append([]scenario.DeviceEvent(nil), s.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })

	for _, event := range events {
		if err := WaitUntil(ctx, startTime, event.Time); err != nil {
			return nil, nil, err
		}
		elapsed := GetElapsed(startTime)
		desc := event.Summary()
		r.logger.Info("Playing event", "elapsed", fmt.Sprintf("%.2fs", elapsed), "event", desc)

		if err := r.player.PlayEvent(ctx, event); err != nil {
			return nil, nil, fmt.Errorf("failed to play event: %w", err)
		}

		timelineEvents = append(timelineEvents, reporter.TimelineEvent{
			Elapsed:     elapsed,
			Layer:       "cloud",
			Description: desc,
		})
	}

	for _, wait := range s.Wait {
		if err := WaitUntil(ctx, startTime, wait.Time); err != nil {
			return nil, nil, err
		}
		elapsed := GetElapsed(startTime)
		r.logger.Info("Wait", "elapsed", fmt.Sprintf("%.2fs", elapsed), "description", wait.Description)

		timelineEvents = append(timelineEvents, reporter.TimelineEvent{
			Elapsed:     elapsed,
			Layer:       "wait",
			Description: fmt.Sprintf("%s (%ds)", wait.Description, wait.Time),
		})
	}

	var all []layerExp
	layers := make([]string, 0, len(s.Expectations))
	for layer := range s.Expectations {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	for _, layer := range layers {
		for _, exp := range s.Expectations[layer] {
			all = append(all, layerExp{layer, exp})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].exp.Time < all[j].exp.Time })

	var expectationResults []scenario.ExpectationResult
	for _, le := range all {
		if err := WaitUntil(ctx, startTime, le.exp.Time); err != nil {
			return nil, nil, err
		}
		elapsed := GetElapsed(startTime)
		desc := le.exp.Describe()

		passed, reason, actual := r.check(ctx, le.exp)

		expectationResults = append(expectationResults, scenario.ExpectationResult{
			Layer:       le.layer,
			Expectation: le.exp,
			Passed:      passed,
			Reason:      reason,
			Actual:      actual,
		})

		if passed {
			r.logger.Info("Expectation passed", "elapsed", fmt.Sprintf("%.2fs", elapsed), "layer", le.layer, "check", desc)
		} else {
			r.logger.Warn("Expectation failed", "elapsed", fmt.Sprintf("%.2fs", elapsed), "layer", le.layer, "check", desc, "reason", reason)
		}

		timelineEvents = append(timelineEvents, reporter.TimelineEvent{
			Elapsed:     elapsed,
			Layer:       le.layer,
			Description: desc,
			Success:     passed,
			IsCheck:     true,
		})
	}

	r.player.Wait()
	endTime := time.Now()

	passedCount := 0
	for _, result := range expectationResults {
		if result.Passed {
			passedCount++
		}
	}
	failedCount := len(expectationResults) - passedCount

	return &scenario.TestResult{
		Scenario:     s,
		StartTime:    startTime,
		EndTime:      endTime,
		Passed:       failedCount == 0,
		PassedCount:  passedCount,
		FailedCount:  failedCount,
		Expectations: expectationResults,
	}, timelineEvents, nil
}

// check routes an expectation to its checker
func (r *Runner) check(ctx context.Context, exp scenario.Expectation) (bool, string, interface{}) {
	switch exp.Kind() {
	case scenario.KindRedis:
		return checker.CheckRedisExpectation(ctx, r.store, exp)
	case scenario.KindMethod:
		return checker.CheckMethod(exp, r.player.MethodResult(exp.Method))
	case scenario.KindTwin:
		twin, err := r.api.Twin(ctx, r.player.deviceID)
		if err != nil {
			return false, fmt.Sprintf("failed to read twin: %v", err), nil
		}
		return checker.CheckTwin(exp, twin)
	default:
		if err := r.observer.Poll(ctx); err != nil {
			return false, err.Error(), nil
		}
		return checker.CheckTelemetry(exp, r.observer.GetAllMessages())
	}
}

// SaveCapture saves the telemetry capture to a file
func (r *Runner) SaveCapture(filename string) error {
	if r.observer == nil {
		return fmt.Errorf("observer not initialized")
	}
	return r.observer.SaveCapture(filename)
}
