package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/validation-cli/internal/config"
)

// FromRetryConfig converts the retry config section, keeping defaults for
// unset values.
func FromRetryConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	return cfg
}

// FromCircuitConfig converts the circuit config section.
func FromCircuitConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}

// Policy combines retry and per-capability breakers.
type Policy struct {
	Retry    RetryConfig
	Breakers *Breakers
}

// NewPolicy builds a policy from config.
func NewPolicy(r config.RetryConfig, c config.CircuitConfig) *Policy {
	return &Policy{
		Retry:    FromRetryConfig(r),
		Breakers: NewBreakers(FromCircuitConfig(c)),
	}
}

// Call runs fn for one capability under the policy. Transient failures that
// survive every attempt, and calls rejected by an open breaker, come back as
// *ExhaustedError. Permanent errors are returned as they are.
func Call[T any](ctx context.Context, p *Policy, runID, capability string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := p.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = RetryLogger(runID, capability)
	}
	prev := cfg.ShouldRetry
	cfg.ShouldRetry = func(err error) bool {
		if errors.Is(err, ErrCircuitOpen) {
			return false
		}
		if prev != nil {
			return prev(err)
		}
		return IsTransient(err)
	}

	cb := p.Breakers.Get(capability)
	v, n, err := attempt(ctx, cfg, func(ctx context.Context) (T, error) {
		return ExecuteVal(ctx, cb, fn)
	})
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrCircuitOpen) || IsTransient(err) {
		var zero T
		return zero, &ExhaustedError{Capability: capability, Attempts: n, Err: err}
	}
	return v, err
}
