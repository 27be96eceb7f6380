package checker

import (
	"context"
	"errors"
	"fmt"

	"github.com/saaga0h/iothub-device-samples/e2e/internal/scenario"
	"github.com/saaga0h/iothub-device-samples/pkg/redis"
)

// CheckRedisExpectation validates state a sample keeps in its store. A key
// without a field is read as a string.
func CheckRedisExpectation(ctx context.Context, client redis.Client, exp scenario.Expectation) (bool, string, interface{}) {
	if client == nil {
		return false, "redis is not configured", nil
	}
	if exp.RedisKey == "" {
		return false, "redis_key is empty", nil
	}

	var value string
	var err error
	if exp.RedisField != "" {
		value, err = client.HGet(ctx, exp.RedisKey, exp.RedisField)
	} else {
		value, err = client.Get(ctx, exp.RedisKey)
	}
	if errors.Is(err, redis.ErrNotFound) {
		if exp.RedisField != "" {
			return false, fmt.Sprintf("key %q field %q not found in Redis", exp.RedisKey, exp.RedisField), nil
		}
		return false, fmt.Sprintf("key %q not found in Redis", exp.RedisKey), nil
	}
	if err != nil {
		return false, fmt.Sprintf("Redis error: %v", err), nil
	}

	if matches, reason := MatchesExpectation(value, exp.Expected); !matches {
		return false, reason, value
	}
	return true, "", value
}
