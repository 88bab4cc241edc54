package provider

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"agentd/message"
	"agentd/tools"
)

// RetryConfig controls the exponential backoff applied to retriable
// provider failures. A zero MaxRetries takes the default; a negative
// one disables retries entirely.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration

	// Injection points for tests. Nil means real randomness and sleeping.
	Rand  func() float64
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig matches the backoff used against rate-limited APIs:
// 5s, 10s, 20s, ... capped at 320s, with +/-20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      6,
		InitialInterval: 5 * time.Second,
		Multiplier:      2.0,
		MaxInterval:     320 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delayForAttempt computes the backoff before retry attempt (1-based),
// jittered uniformly over [0.8, 1.2] of the exponential base.
func delayForAttempt(attempt int, c RetryConfig) time.Duration {
	base := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if capped := float64(c.MaxInterval); base > capped {
		base = capped
	}
	jitter := 0.8 + 0.4*c.Rand()
	return time.Duration(base * jitter)
}

type retryProvider struct {
	inner Provider
	cfg   RetryConfig
}

// WithRetry wraps p so that rate-limit, server, and transient request
// failures are retried with exponential backoff. Other failures return
// immediately.
func WithRetry(p Provider, cfg RetryConfig) Provider {
	if cfg.MaxRetries < 0 {
		return p
	}
	return &retryProvider{inner: p, cfg: cfg.withDefaults()}
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Complete(ctx context.Context, system string, messages []message.Message, descriptors []tools.Descriptor) (message.Message, Usage, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := delayForAttempt(attempt, r.cfg)
			slog.Warn("retrying provider call",
				"provider", r.inner.Name(),
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			if err := r.cfg.Sleep(ctx, delay); err != nil {
				return message.Message{}, Usage{}, err
			}
		}
		msg, usage, err := r.inner.Complete(ctx, system, messages, descriptors)
		if err == nil {
			return msg, usage, nil
		}
		lastErr = err
		pe, ok := AsError(err)
		if !ok || !pe.Retriable() || ctx.Err() != nil {
			return message.Message{}, Usage{}, err
		}
	}
	return message.Message{}, Usage{}, lastErr
}
