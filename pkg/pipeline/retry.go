package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// RetryPolicy bounds how a stage attempt is repeated after retryable
// failures. Backoff doubles per attempt, capped at MaxDelay, with ±Jitter
// randomization.
type RetryPolicy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Pre-defined retry policies. CONSERVATIVE for cheap deterministic stages,
// DEFAULT for network-bound stages, AGGRESSIVE for stages worth fighting for.
var (
	ConservativeRetry = RetryPolicy{Name: "CONSERVATIVE", MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2}
	DefaultRetry      = RetryPolicy{Name: "DEFAULT", MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2}
	AggressiveRetry   = RetryPolicy{Name: "AGGRESSIVE", MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2}
)

// delayForAttempt returns the backoff before retry number attempt (1-based
// count of failures so far).
func (p RetryPolicy) delayForAttempt(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		// Uniform in [1-jitter, 1+jitter].
		factor := 1 + p.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// RetryReporter receives retry bookkeeping events for stage history.
// *RunManager implements it; tests substitute a recorder.
type RetryReporter interface {
	AddRetryAttempt(ctx context.Context, stageName string, attempt int, delay time.Duration, reason string)
	RecordStageFailure(ctx context.Context, stageName string, attempt int, classified *ClassifiedError, elapsed time.Duration)
	RecordRecovery(ctx context.Context, stageName string, attempts int)
}

// RetryStage executes attemptFn under the given policy. Failures are
// classified; non-retryable errors and exhausted budgets re-raise the
// classified error. Returns the result and the number of attempts made.
func RetryStage[T any](ctx context.Context, stageName string, policy RetryPolicy, reporter RetryReporter, attemptFn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	start := time.Now()

	for attempt := 1; ; attempt++ {
		result, err := attemptFn(ctx)
		if err == nil {
			if attempt > 1 && reporter != nil {
				reporter.RecordRecovery(ctx, stageName, attempt)
			}
			return result, attempt, nil
		}

		classified := Classify(err, stageName)
		if !classified.Retryable || attempt >= policy.MaxAttempts {
			if reporter != nil {
				reporter.RecordStageFailure(ctx, stageName, attempt, classified, time.Since(start))
			}
			return zero, attempt, classified
		}

		delay := policy.delayForAttempt(attempt)
		if reporter != nil {
			reporter.AddRetryAttempt(ctx, stageName, attempt, delay, string(classified.Category))
		}

		select {
		case <-ctx.Done():
			cancelled := Classify(ctx.Err(), stageName)
			if reporter != nil {
				reporter.RecordStageFailure(ctx, stageName, attempt, cancelled, time.Since(start))
			}
			return zero, attempt, cancelled
		case <-time.After(delay):
		}
	}
}

// Circuit breaker settings per source+stage pair.
const (
	breakerFailureThreshold = 5
	breakerCooldown         = 60 * time.Second
)

// BreakerRegistry hands out one circuit breaker per source+stage so a
// persistently failing upstream stops burning retry budget across runs.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// For returns the breaker for a source+stage pair, creating it on first use.
func (r *BreakerRegistry) For(sourceID, stageName string) *gobreaker.CircuitBreaker {
	key := sourceID + ":" + stageName

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // close again on the first half-open success
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	})
	r.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker for a source+stage pair. An open
// breaker returns an API_ERROR-classified failure without invoking fn.
func (r *BreakerRegistry) Execute(sourceID, stageName string, fn func() (any, error)) (any, error) {
	result, err := r.For(sourceID, stageName).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &ClassifiedError{
			Category:  CategoryAPI,
			Retryable: false,
			Stage:     stageName,
			Message:   "circuit breaker open for " + sourceID + ":" + stageName,
			Err:       err,
		}
	}
	return result, err
}
