package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
)

// RetryOptions configures the exponential backoff applied around a provider.
type RetryOptions struct {
	// MaxAttempts bounds the total number of Generate calls (first try
	// included).
	MaxAttempts int
	// InitialDelay is the pause before the second attempt.
	InitialDelay time.Duration
	// Base multiplies the delay after each failed attempt.
	Base float64
	// RetryStatusCodes lists the provider status codes considered transient.
	// Anything else fails immediately.
	RetryStatusCodes []int

	// Logger receives a warn entry per retried attempt.
	Logger logging.Logger
	// Sleep is swappable for tests; defaults to a context-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryOptions returns the standard policy: five attempts starting at
// one second with a sevenfold backoff, retrying on 429, 500, 503 and 504.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:      5,
		InitialDelay:     time.Second,
		Base:             7,
		RetryStatusCodes: []int{429, 500, 503, 504},
	}
}

// retryingModel decorates a Model with the backoff policy.
type retryingModel struct {
	inner Model
	opts  RetryOptions
}

// WithRetry wraps a model so transient provider failures are retried with
// exponential backoff. When all attempts fail with retryable errors the
// result wraps core.ErrProviderUnavailable with the last provider error.
func WithRetry(inner Model, opts RetryOptions) Model {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultRetryOptions().MaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultRetryOptions().InitialDelay
	}
	if opts.Base <= 1 {
		opts.Base = DefaultRetryOptions().Base
	}
	if opts.RetryStatusCodes == nil {
		opts.RetryStatusCodes = DefaultRetryOptions().RetryStatusCodes
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &retryingModel{inner: inner, opts: opts}
}

// Info implements Model.
func (m *retryingModel) Info() Info { return m.inner.Info() }

// Generate implements Model.
func (m *retryingModel) Generate(ctx context.Context, req Request) (Response, error) {
	delay := m.opts.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		resp, err := m.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !m.retryable(err) {
			return Response{}, err
		}
		lastErr = err

		if attempt == m.opts.MaxAttempts {
			break
		}
		m.opts.Logger.Warn("model.retry",
			"provider", m.inner.Info().Provider,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return Response{}, err
		}
		delay = time.Duration(float64(delay) * m.opts.Base)
	}
	return Response{}, fmt.Errorf("%w: %d attempts exhausted: %v",
		core.ErrProviderUnavailable, m.opts.MaxAttempts, lastErr)
}

// retryable classifies an error as transient under the configured policy.
func (m *retryingModel) retryable(err error) bool {
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		return false
	}
	for _, code := range m.opts.RetryStatusCodes {
		if provErr.StatusCode == code {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
