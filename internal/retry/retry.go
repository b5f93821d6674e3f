// Package retry computes stage retry delays from a RetryPolicy.
package retry

import (
	"math"
	"time"

	"github.com/pitabwire/conduit/model"
)

type calculator func(delay float64, attempt int) float64

var calculators = map[string]calculator{
	model.BackoffFixed: func(delay float64, _ int) float64 {
		return delay
	},
	model.BackoffLinear: func(delay float64, attempt int) float64 {
		return delay * float64(attempt)
	},
	model.BackoffExponential: func(delay float64, attempt int) float64 {
		return delay * math.Pow(2, float64(attempt-1))
	},
}

// DelaySeconds returns how long to wait after the given failed attempt
// before starting the next one. attempt is 1-based; values below 1 are
// treated as 1. Unknown strategies fall back to fixed and negative delays
// clamp to zero.
func DelaySeconds(p model.RetryPolicy, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BackoffDelaySeconds
	if delay <= 0 {
		return 0
	}

	calc, ok := calculators[p.BackoffStrategy]
	if !ok {
		calc = calculators[model.BackoffFixed]
	}
	return calc(delay, attempt)
}

// Delay is DelaySeconds as a time.Duration.
func Delay(p model.RetryPolicy, attempt int) time.Duration {
	secs := DelaySeconds(p, attempt)
	if secs >= math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}

// ShouldRetry reports whether a stage that has used attempts attempts may
// be tried again.
func ShouldRetry(p model.RetryPolicy, attempts int) bool {
	return attempts < p.MaxAttempts
}
