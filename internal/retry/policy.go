package retry

import (
	"math"
	"net/http"
	"time"

	"github.com/envelope-labs/relay/internal/core/apierr"
)

// Policy defines retry behavior. Policies are immutable; derive per-call
// variants with the With helpers.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryableStatuses map[int]struct{}
	// Retryable, when set, overrides the default retryability decision.
	Retryable func(*apierr.Error) bool
	// OnRetry is invoked before each backoff delay.
	OnRetry func(attempt int, delay time.Duration, err *apierr.Error)
}

// DefaultPolicy provides sensible defaults for API traffic.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		RetryableStatuses: map[int]struct{}{
			http.StatusRequestTimeout:      {},
			http.StatusTooManyRequests:     {},
			http.StatusInternalServerError: {},
			http.StatusBadGateway:          {},
			http.StatusServiceUnavailable:  {},
			http.StatusGatewayTimeout:      {},
		},
	}
}

// WithMaxRetries returns a copy of the policy with the retry bound replaced.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// retryable applies the policy to a classified error: responseless
// transport failures, retryable statuses, 429 and timeouts retry;
// everything else surfaces.
func (p Policy) retryable(err *apierr.Error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	if err.Timeout {
		return true
	}
	switch err.Kind {
	case apierr.KindAuthentication, apierr.KindAuthorization, apierr.KindValidation:
		// Terminal regardless of status. Pipeline guards reject with these
		// kinds before any bytes hit the wire, so Status is often 0 here.
		return false
	}
	if err.Status == 0 {
		// No response was received, so the request may never have reached
		// the server.
		return true
	}
	if err.Status == http.StatusTooManyRequests {
		return true
	}
	_, ok := p.RetryableStatuses[err.Status]
	return ok
}

// Backoff computes the delay before the given attempt's retry:
// min(base·2^(attempt-1), max) scaled by (1+jitter), jitter in [0, 0.1).
// jitterFrac must be in [0, 1); it is mapped onto the jitter range.
func Backoff(attempt int, base, max time.Duration, jitterFrac float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d * (1 + jitterFrac*0.1))
}
