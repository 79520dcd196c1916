package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecuteWithRetry_SuccessOnFirstAttempt(t *testing.T) {
	policy := &Policy{MaxRetries: 3, Backoff: &BackoffStrategy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}}

	callCount := 0
	result, err := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		callCount++
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, callCount)
}

func TestExecuteWithRetry_ZeroRetriesMeansOneInvocation(t *testing.T) {
	policy := &Policy{MaxRetries: 0, Backoff: DefaultBackoffStrategy()}

	callCount := 0
	_, err := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		callCount++
		return 0, &UpstreamError{Code: 500}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, callCount)
	var failed *FailedError
	assert.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Attempts)
}

func TestExecuteWithRetry_RetriesThenSucceeds(t *testing.T) {
	policy := &Policy{MaxRetries: 3, Backoff: &BackoffStrategy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}}

	callCount := 0
	result, err := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		callCount++
		if callCount < 2 {
			return 0, &UpstreamError{Code: 500}
		}
		return 7, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 7, result)
	assert.Equal(t, 2, callCount)
}

func TestExecuteWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	policy := &Policy{MaxRetries: 3, Backoff: DefaultBackoffStrategy()}

	callCount := 0
	_, err := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		callCount++
		return 0, &UpstreamError{Code: 401}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, callCount)
}

func TestExecuteWithRetry_ExhaustedRetries(t *testing.T) {
	policy := &Policy{MaxRetries: 3, Backoff: &BackoffStrategy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}}

	var failureCalls int
	policy.Events.OnFailure = func(err error, attempts int) { failureCalls++ }

	callCount := 0
	_, err := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		callCount++
		return 0, &UpstreamError{Code: 500}
	})

	assert.Error(t, err)
	assert.Equal(t, 4, callCount) // 1 initial + 3 retries
	var failed *FailedError
	assert.ErrorAs(t, err, &failed)
	assert.Equal(t, 4, failed.Attempts)
	assert.Len(t, failed.ErrorHistory, 4)
	assert.Contains(t, failed.Error(), "after 4 attempts")
	assert.Equal(t, 1, failureCalls)
}

func TestExecuteWithRetry_RetryAfterHonored(t *testing.T) {
	policy := &Policy{MaxRetries: 3, Backoff: DefaultBackoffStrategy()}

	var gotDelay time.Duration
	policy.Events.OnRetry = func(attempt int, delay time.Duration, err error) { gotDelay = delay }

	callCount := 0
	_, err := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		callCount++
		if callCount == 1 {
			return 0, &UpstreamError{Code: 429, Headers: map[string]string{"retry-after": "5"}}
		}
		return 1, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 5*time.Second, gotDelay)
}

func TestExecuteWithRetry_CancellationStopsSleep(t *testing.T) {
	policy := &Policy{MaxRetries: 5, Backoff: &BackoffStrategy{BaseDelay: time.Hour, MaxDelay: time.Hour}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := ExecuteWithRetry(ctx, policy, func(ctx context.Context) (int, error) {
		return 0, &UpstreamError{Code: 500}
	})

	assert.Error(t, err)
	var cancelled *CancelledError
	assert.ErrorAs(t, err, &cancelled)
}

func TestBackoffStrategy_DelayWithinBounds(t *testing.T) {
	b := &BackoffStrategy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := b.Delay(attempt, 0, false)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestBackoffStrategy_RetryAfterClamped(t *testing.T) {
	b := &BackoffStrategy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	d := b.Delay(0, 3600, true)
	assert.Equal(t, 30*time.Second, d)
}

func TestClassify_RateLimit(t *testing.T) {
	cls := Classify(&UpstreamError{Code: 429})
	assert.Equal(t, ErrorTypeRateLimit, cls.Type)
	assert.True(t, cls.Retryable)
	assert.Equal(t, SeverityLow, cls.Severity)
}

func TestClassify_Auth(t *testing.T) {
	cls := Classify(&UpstreamError{Code: 401})
	assert.False(t, cls.Retryable)
	assert.Equal(t, SeverityHigh, cls.Severity)
}

func TestClassify_Network(t *testing.T) {
	cls := Classify(errors.New("dial tcp: ECONNRESET"))
	assert.Equal(t, ErrorTypeNetwork, cls.Type)
	assert.True(t, cls.Retryable)
}
