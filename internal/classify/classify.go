// File: internal/classify/classify.go

// Package classify maps arbitrary raised failures to a closed taxonomy, each
// kind carrying a fixed retry policy. Classification is a pure function of
// the failure's message; it holds no state, so it is safe to call from any
// number of concurrent runs.
package classify

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// Kind is one taxonomy bucket assigned to a failure.
type Kind string

const (
	KindNetworkTimeout      Kind = "network_timeout"
	KindNetworkError        Kind = "network_error"
	KindRateLimited         Kind = "rate_limited"
	KindServerError         Kind = "server_error"
	KindBrowserCrash        Kind = "browser_crash"
	KindNavigationTimeout   Kind = "navigation_timeout"
	KindChallengeTimeout    Kind = "challenge_timeout"
	KindChallengeUnsolvable Kind = "challenge_unsolvable"
	KindStorageTimeout      Kind = "storage_timeout"
	KindInvalidTargetURL    Kind = "invalid_target_url"
	KindTargetClosed        Kind = "target_closed"
	KindIncompleteProfile   Kind = "incomplete_profile"
	KindDuplicate           Kind = "duplicate_submission"
	KindNoFormFound         Kind = "no_form_found"
	KindValidationFailed    Kind = "validation_failed"
	KindConfigurationError  Kind = "configuration_error"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindUnknown             Kind = "unknown"
)

// Policy is the retry behavior attached to a classification kind.
type Policy struct {
	Retryable   bool
	MaxAttempts int
	BaseBackoff time.Duration
}

// Classification is the decision produced for a single failure.
type Classification struct {
	Kind        Kind
	Policy      Policy
	UserMessage string
}

// Retryable reports whether the kind permits any retry at all.
func (c Classification) Retryable() bool { return c.Policy.Retryable }

// matcher is one ordered pattern group. The first group whose keywords all
// appear (any of its alternatives) wins.
type matcher struct {
	// any matches if at least one keyword is present.
	any []string
	// exclude vetoes the match when present, so broader groups below can
	// claim the error instead.
	exclude []string
	kind    Kind
	policy  Policy
	message string
}

// matchers are evaluated in order; specific groups come before generic ones.
// In particular every *qualified* timeout (navigation, challenge, storage)
// precedes the bare "timeout" network group.
var matchers = []matcher{
	{
		any:     []string{"navigation timeout", "page load timeout", "net::err_timed_out"},
		kind:    KindNavigationTimeout,
		policy:  Policy{Retryable: true, MaxAttempts: 2, BaseBackoff: 5 * time.Second},
		message: "The application page took too long to load.",
	},
	{
		any:     []string{"captcha timeout", "challenge timeout", "verification timed out", "solve timeout"},
		kind:    KindChallengeTimeout,
		policy:  Policy{Retryable: true, MaxAttempts: 2, BaseBackoff: 10 * time.Second},
		message: "The verification challenge timed out.",
	},
	{
		any:     []string{"captcha unsolvable", "challenge unsolvable", "unsolvable", "solver not configured"},
		kind:    KindChallengeUnsolvable,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "This application requires manual verification.",
	},
	{
		any:     []string{"insufficient balance", "zero balance", "error_zero_balance"},
		kind:    KindInsufficientBalance,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "Verification solving balance is exhausted; top up the solver account.",
	},
	{
		any:     []string{"database timeout", "storage timeout", "lock timeout", "deadlock", "sqlstate 55p03"},
		kind:    KindStorageTimeout,
		policy:  Policy{Retryable: true, MaxAttempts: 3, BaseBackoff: time.Second},
		message: "A temporary storage problem interrupted the application.",
	},
	{
		any:     []string{"rate limit", "too many requests", "429"},
		kind:    KindRateLimited,
		policy:  Policy{Retryable: true, MaxAttempts: 4, BaseBackoff: 15 * time.Second},
		message: "The target is rate limiting requests; the application will be retried later.",
	},
	{
		any:     []string{"browser crash", "session closed", "target crashed", "websocket: close", "context canceled: browser"},
		kind:    KindBrowserCrash,
		policy:  Policy{Retryable: true, MaxAttempts: 2, BaseBackoff: 3 * time.Second},
		message: "The automation session was interrupted.",
	},
	{
		any:     []string{"invalid url", "malformed url", "unsupported protocol scheme"},
		kind:    KindInvalidTargetURL,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "The application link is not a valid address.",
	},
	{
		any:     []string{"job closed", "not found", "404", "no longer accepting", "position closed", "posting closed"},
		exclude: []string{"form"},
		kind:    KindTargetClosed,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "This position is no longer accepting applications.",
	},
	{
		any:     []string{"incomplete profile", "profile missing", "missing required profile"},
		kind:    KindIncompleteProfile,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "Your profile is missing information required by this application.",
	},
	{
		any:     []string{"duplicate", "already applied", "already submitted"},
		kind:    KindDuplicate,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "An application was already submitted for this position.",
	},
	{
		any:     []string{"no fillable form", "no form found", "no fields found"},
		kind:    KindNoFormFound,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "No application form could be found on the target page.",
	},
	{
		any:     []string{"validation failed", "invalid field value", "rejected by the form"},
		kind:    KindValidationFailed,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "The form rejected one or more submitted values.",
	},
	{
		any:     []string{"configuration error", "misconfigured", "api key is required", "missing credential"},
		kind:    KindConfigurationError,
		policy:  Policy{Retryable: false, MaxAttempts: 0, BaseBackoff: 0},
		message: "The engine is misconfigured; check the service settings.",
	},
	{
		any:     []string{"502", "503", "504", "internal server error", "bad gateway", "service unavailable"},
		kind:    KindServerError,
		policy:  Policy{Retryable: true, MaxAttempts: 3, BaseBackoff: 5 * time.Second},
		message: "The target site reported a temporary server problem.",
	},
	{
		any:     []string{"timeout", "timed out", "deadline exceeded"},
		kind:    KindNetworkTimeout,
		policy:  Policy{Retryable: true, MaxAttempts: 3, BaseBackoff: 2 * time.Second},
		message: "A network timeout interrupted the application.",
	},
	{
		any:     []string{"connection refused", "connection reset", "no such host", "network", "econnrefused", "dns"},
		kind:    KindNetworkError,
		policy:  Policy{Retryable: true, MaxAttempts: 3, BaseBackoff: 2 * time.Second},
		message: "A network problem interrupted the application.",
	},
}

// unknownPolicy retries exactly once as a safety net.
var unknownPolicy = Policy{Retryable: true, MaxAttempts: 1, BaseBackoff: 5 * time.Second}

// Classify maps a raised failure to its taxonomy bucket. A nil error
// classifies as unknown.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Policy: unknownPolicy, UserMessage: "The application failed for an unknown reason."}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range matchers {
		if m.matches(msg) {
			return Classification{Kind: m.kind, Policy: m.policy, UserMessage: m.message}
		}
	}

	return Classification{Kind: KindUnknown, Policy: unknownPolicy, UserMessage: "The application failed for an unknown reason."}
}

func (m matcher) matches(msg string) bool {
	for _, kw := range m.exclude {
		if strings.Contains(msg, kw) {
			return false
		}
	}
	for _, kw := range m.any {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// maxRetryDelay caps the backoff at five minutes.
const maxRetryDelay = 300000 * time.Millisecond

// CalculateRetryDelay returns base * 2^attempt with ±20% jitter, capped at
// five minutes. attempt is zero-based.
func CalculateRetryDelay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(base) * math.Pow(2, float64(attempt))
	// Jitter factor in [0.8, 1.2).
	jitter := 0.8 + rand.Float64()*0.4
	delay := time.Duration(backoff * jitter)

	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// ShouldRetry decides whether a caller that has already made attemptsMade
// attempts should try again, and with what delay.
func ShouldRetry(err error, attemptsMade int) (bool, time.Duration) {
	c := Classify(err)
	if !c.Policy.Retryable || attemptsMade >= c.Policy.MaxAttempts {
		return false, 0
	}
	return true, CalculateRetryDelay(attemptsMade, c.Policy.BaseBackoff)
}
