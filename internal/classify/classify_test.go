// File: internal/classify/classify_test.go
package classify

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"navigation timeout", errors.New("navigation timeout after 60s for https://x.test"), KindNavigationTimeout},
		{"page load timeout", errors.New("page load timeout"), KindNavigationTimeout},
		{"challenge timeout", errors.New("challenge timeout waiting for token"), KindChallengeTimeout},
		{"challenge unsolvable", errors.New("challenge unsolvable: all solve attempts failed"), KindChallengeUnsolvable},
		{"solver not configured", errors.New("challenge unsolvable: solver not configured"), KindChallengeUnsolvable},
		{"insufficient balance", errors.New("insufficient balance on solver account"), KindInsufficientBalance},
		{"storage timeout", errors.New("database timeout acquiring connection"), KindStorageTimeout},
		{"deadlock", errors.New("deadlock detected"), KindStorageTimeout},
		{"rate limited", errors.New("429 too many requests"), KindRateLimited},
		{"browser crash", errors.New("browser crash: session is no longer live"), KindBrowserCrash},
		{"invalid url", errors.New(`invalid url "ftp://x": scheme must be http or https`), KindInvalidTargetURL},
		{"target closed", errors.New("position closed: no longer accepting applications"), KindTargetClosed},
		{"incomplete profile", errors.New("incomplete profile: requester req-1 is missing required fields"), KindIncompleteProfile},
		{"duplicate", errors.New("duplicate application detected"), KindDuplicate},
		{"no form", errors.New("no form found at https://x.test"), KindNoFormFound},
		{"validation", errors.New("validation failed for field email"), KindValidationFailed},
		{"config error", errors.New("configuration error: generation api key is required"), KindConfigurationError},
		{"server error", errors.New("502 bad gateway"), KindServerError},
		{"bare timeout", errors.New("timeout waiting for response"), KindNetworkTimeout},
		{"deadline exceeded", fmt.Errorf("wrapped: %w", errors.New("context deadline exceeded")), KindNetworkTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), KindNetworkError},
		{"unknown", errors.New("something inexplicable"), KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err)
			assert.Equal(t, tc.kind, c.Kind)
			assert.NotEmpty(t, c.UserMessage)
		})
	}
}

func TestClassifyNilError(t *testing.T) {
	c := Classify(nil)
	assert.Equal(t, KindUnknown, c.Kind)
}

// Qualified timeouts must win over the generic network timeout group.
func TestClassifyQualifiedTimeoutsBeforeBare(t *testing.T) {
	assert.Equal(t, KindNavigationTimeout, Classify(errors.New("navigation timeout after 30s")).Kind)
	assert.Equal(t, KindChallengeTimeout, Classify(errors.New("verification timed out")).Kind)
	assert.Equal(t, KindStorageTimeout, Classify(errors.New("lock timeout on applications table")).Kind)
	assert.Equal(t, KindNetworkTimeout, Classify(errors.New("request timeout")).Kind)
}

func TestBareTimeoutPolicy(t *testing.T) {
	c := Classify(errors.New("timeout"))
	assert.True(t, c.Retryable())
	assert.Equal(t, 3, c.Policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, c.Policy.BaseBackoff)
}

func TestDuplicateIsNeverRetried(t *testing.T) {
	c := Classify(errors.New("duplicate application detected"))
	assert.False(t, c.Retryable())

	retry, _ := ShouldRetry(errors.New("duplicate application detected"), 0)
	assert.False(t, retry)
}

func TestUnknownRetriesExactlyOnce(t *testing.T) {
	err := errors.New("something inexplicable")

	retry, delay := ShouldRetry(err, 0)
	assert.True(t, retry)
	assert.Greater(t, delay, time.Duration(0))

	retry, _ = ShouldRetry(err, 1)
	assert.False(t, retry)
}

func TestShouldRetryExhaustsAttempts(t *testing.T) {
	err := errors.New("timeout")
	for attempts := 0; attempts < 3; attempts++ {
		retry, _ := ShouldRetry(err, attempts)
		assert.True(t, retry, "attempt %d should retry", attempts)
	}
	retry, _ := ShouldRetry(err, 3)
	assert.False(t, retry)
}

func TestCalculateRetryDelayJitterBounds(t *testing.T) {
	base := 2 * time.Second
	for attempt := 0; attempt < 5; attempt++ {
		expected := float64(base) * float64(int(1)<<attempt)
		for i := 0; i < 50; i++ {
			delay := CalculateRetryDelay(attempt, base)
			require.GreaterOrEqual(t, float64(delay), expected*0.8)
			require.Less(t, float64(delay), expected*1.2)
		}
	}
}

func TestCalculateRetryDelayCap(t *testing.T) {
	delay := CalculateRetryDelay(20, time.Minute)
	assert.Equal(t, 300000*time.Millisecond, delay)
}

func TestCalculateRetryDelayDefaultsBase(t *testing.T) {
	delay := CalculateRetryDelay(0, 0)
	assert.Greater(t, delay, time.Duration(0))
	assert.Less(t, delay, 3*time.Second)
}
