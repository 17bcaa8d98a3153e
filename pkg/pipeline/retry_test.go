package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter captures retry bookkeeping events for assertions.
type recordingReporter struct {
	mu         sync.Mutex
	retries    []string
	failures   []string
	recoveries []string
}

func (r *recordingReporter) AddRetryAttempt(_ context.Context, stageName string, _ int, _ time.Duration, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, stageName+":"+reason)
}

func (r *recordingReporter) RecordStageFailure(_ context.Context, stageName string, _ int, classified *ClassifiedError, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, stageName+":"+string(classified.Category))
}

func (r *recordingReporter) RecordRecovery(_ context.Context, stageName string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries = append(r.recoveries, stageName)
}

func TestRetryPolicy_DelayForAttempt(t *testing.T) {
	policy := RetryPolicy{Name: "TEST", MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second}

	// No jitter: pure doubling with a cap.
	assert.Equal(t, time.Second, policy.delayForAttempt(1))
	assert.Equal(t, 2*time.Second, policy.delayForAttempt(2))
	assert.Equal(t, 4*time.Second, policy.delayForAttempt(3))
	assert.Equal(t, 4*time.Second, policy.delayForAttempt(10), "capped at MaxDelay")
}

func TestRetryPolicy_JitterBounds(t *testing.T) {
	policy := RetryPolicy{Name: "TEST", MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		delay := policy.delayForAttempt(1)
		assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
		assert.LessOrEqual(t, delay, 1200*time.Millisecond)
	}
}

func TestRetryStage_SucceedsFirstAttempt(t *testing.T) {
	reporter := &recordingReporter{}

	result, attempts, err := RetryStage(context.Background(), "storage", AggressiveRetry, reporter,
		func(ctx context.Context) (int, error) { return 42, nil })

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, reporter.retries)
	assert.Empty(t, reporter.recoveries, "no recovery event on a clean first attempt")
}

func TestRetryStage_RecoversAfterRetryableFailure(t *testing.T) {
	reporter := &recordingReporter{}
	policy := RetryPolicy{Name: "FAST", MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	result, attempts, err := RetryStage(context.Background(), "data_extraction", policy, reporter,
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &HTTPStatusError{StatusCode: 503, URL: "https://api.example.gov"}
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Len(t, reporter.retries, 2)
	assert.Equal(t, []string{"data_extraction"}, reporter.recoveries)
}

func TestRetryStage_NonRetryableFailsImmediately(t *testing.T) {
	reporter := &recordingReporter{}

	calls := 0
	_, attempts, err := RetryStage(context.Background(), "data_extraction", DefaultRetry, reporter,
		func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("validation: no response mapping configured")
		})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls, "non-retryable errors must not burn retry budget")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CategoryValidation, ce.Category)
	assert.Equal(t, []string{"data_extraction:VALIDATION_ERROR"}, reporter.failures)
}

func TestRetryStage_ExhaustsBudget(t *testing.T) {
	reporter := &recordingReporter{}
	policy := RetryPolicy{Name: "FAST", MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	_, attempts, err := RetryStage(context.Background(), "storage", policy, reporter,
		func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("database: connection refused")
		})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, reporter.retries, 2)
	assert.Len(t, reporter.failures, 1)
}

func TestRetryStage_ContextCancelledDuringBackoff(t *testing.T) {
	reporter := &recordingReporter{}
	policy := RetryPolicy{Name: "SLOW", MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := RetryStage(ctx, "data_extraction", policy, reporter,
		func(ctx context.Context) (string, error) {
			return "", errors.New("network unreachable")
		})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must interrupt the backoff sleep")
}

func TestBreakerRegistry_OpensAfterConsecutiveFailures(t *testing.T) {
	registry := NewBreakerRegistry()
	boom := errors.New("upstream down")

	for i := 0; i < breakerFailureThreshold; i++ {
		_, err := registry.Execute("src-1", "data_extraction", func() (any, error) {
			return nil, boom
		})
		require.Error(t, err)
	}

	// Breaker is now open: fn must not run.
	called := false
	_, err := registry.Execute("src-1", "data_extraction", func() (any, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called)

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CategoryAPI, ce.Category)
	assert.False(t, ce.Retryable, "an open breaker must short-circuit the retrier too")
}

func TestBreakerRegistry_IsolatesSourceStagePairs(t *testing.T) {
	registry := NewBreakerRegistry()
	boom := errors.New("upstream down")

	for i := 0; i < breakerFailureThreshold; i++ {
		_, _ = registry.Execute("src-1", "data_extraction", func() (any, error) { return nil, boom })
	}

	// Other sources and stages are unaffected.
	result, err := registry.Execute("src-2", "data_extraction", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	result, err = registry.Execute("src-1", "source_orchestrator", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}
