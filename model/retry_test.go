package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/agentrun/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestWithRetry_SuccessFirstAttempt(t *testing.T) {
	m := NewScriptedModel("test", TextStep("hello"))
	var delays []time.Duration
	wrapped := WithRetry(m, RetryOptions{Sleep: noSleep(&delays)})

	resp, err := wrapped.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content.Text())
	assert.Equal(t, 1, m.Calls())
	assert.Empty(t, delays)
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	m := NewScriptedModel("test",
		StatusErrorStep(429),
		StatusErrorStep(503),
		TextStep("recovered"),
	)
	var delays []time.Duration
	wrapped := WithRetry(m, RetryOptions{Sleep: noSleep(&delays)})

	resp, err := wrapped.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content.Text())
	assert.Equal(t, 3, m.Calls())
	// exponential backoff: 1s then 7s
	require.Len(t, delays, 2)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 7*time.Second, delays[1])
}

func TestWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	provErr := &ProviderError{Provider: "scripted", StatusCode: 400, Message: "bad request"}
	m := NewScriptedModel("test", ErrorStep(provErr))
	var delays []time.Duration
	wrapped := WithRetry(m, RetryOptions{Sleep: noSleep(&delays)})

	_, err := wrapped.Generate(context.Background(), Request{})
	require.Error(t, err)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 400, pe.StatusCode)
	assert.Equal(t, 1, m.Calls())
	assert.Empty(t, delays)
}

func TestWithRetry_ExhaustionWrapsUnavailable(t *testing.T) {
	m := NewScriptedModel("test",
		StatusErrorStep(500),
		StatusErrorStep(500),
		StatusErrorStep(500),
		StatusErrorStep(500),
		StatusErrorStep(500),
	)
	var delays []time.Duration
	wrapped := WithRetry(m, RetryOptions{Sleep: noSleep(&delays)})

	_, err := wrapped.Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrProviderUnavailable))
	assert.Equal(t, 5, m.Calls())
	assert.Len(t, delays, 4)
}

func TestWithRetry_NonProviderErrorNotRetried(t *testing.T) {
	m := NewScriptedModel("test", ErrorStep(errors.New("marshal failure")))
	wrapped := WithRetry(m, RetryOptions{Sleep: func(context.Context, time.Duration) error { return nil }})

	_, err := wrapped.Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrProviderUnavailable))
	assert.Equal(t, 1, m.Calls())
}

func TestWithRetry_ContextCancelDuringBackoff(t *testing.T) {
	m := NewScriptedModel("test", StatusErrorStep(429), TextStep("never"))
	wrapped := WithRetry(m, RetryOptions{
		Sleep: func(ctx context.Context, _ time.Duration) error { return context.Canceled },
	})

	_, err := wrapped.Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, m.Calls())
}

func TestScriptedModel_FallbackEcho(t *testing.T) {
	m := NewScriptedModel("test")
	resp, err := m.Generate(context.Background(), Request{
		Contents: []core.Content{{Role: "user", Parts: []core.Part{core.TextPart{Text: "ping"}}}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content.Text(), "ping")
}
