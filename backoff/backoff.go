// Package backoff computes how long a failed job waits before its next
// attempt. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns the wait after the job's attempts-th failure
	// (1-indexed).
	Delay(attempts int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempts int) time.Duration

// Delay calls f.
func (f Func) Delay(attempts int) time.Duration { return f(attempts) }

// Constant always waits Interval. The worker uses it for duplicate-in-flight
// deferrals, which must not grow with contention.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear waits Initial * attempts, capped at Max when Max is positive.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempts, capped at Max.
func (l *Linear) Delay(attempts int) time.Duration {
	d := l.Initial * time.Duration(attempts)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential waits Initial * 2^(attempts-1), capped at Max when Max is
// positive. With Initial of two seconds the k-th failure waits 2^k seconds.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempts-1), capped at Max.
func (e *Exponential) Delay(attempts int) time.Duration {
	return exponential(e.Initial, e.Max, attempts)
}

// ExponentialWithJitter picks a uniformly random delay in
// [0, Initial * 2^(attempts-1)], capped at Max, so that jobs failing together
// do not retry together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempts-1), Max)].
func (e *ExponentialWithJitter) Delay(attempts int) time.Duration {
	base := exponential(e.Initial, e.Max, attempts)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// exponential saturates at the largest Duration instead of overflowing.
func exponential(initial, maxDelay time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempts-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// DefaultStrategy returns the engine's retry backoff: 2^attempts whole
// seconds, uncapped.
func DefaultStrategy() Strategy {
	return NewExponential(2*time.Second, 0)
}
