package executor

import (
	"context"
	"time"
)

// WaitUntil blocks until offsetSeconds after startTime or until ctx is done
func WaitUntil(ctx context.Context, startTime time.Time, offsetSeconds int) error {
	target := startTime.Add(time.Duration(offsetSeconds) * time.Second)
	d := time.Until(target)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetElapsed returns elapsed seconds since start
func GetElapsed(startTime time.Time) float64 {
	return time.Since(startTime).Seconds()
}
