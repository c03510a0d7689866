package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/envelope-labs/relay/internal/core/apierr"
	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/metrics"
)

// Response is the transport-level result of one executed request.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Transport executes one descriptor against the backend.
type Transport interface {
	Do(ctx context.Context, req domain.Request) (*Response, error)
}

// errorPayload is the backend's structured error body.
type errorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
	Error   string            `json:"error"`
}

// HTTPTransport executes descriptors over net/http behind a circuit
// breaker. Non-2xx responses become *apierr.HTTPError carrying the decoded
// domain error payload when present.
type HTTPTransport struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the transport circuit breaker.
type BreakerConfig struct {
	MaxRequests uint32        `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MinRequests uint32        `yaml:"min_requests"`
	FailureRate float64       `yaml:"failure_rate"`
}

// DefaultBreakerConfig returns conservative defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		MinRequests: 5,
		FailureRate: 0.5,
	}
}

// NewHTTPTransport builds the breaker-wrapped transport.
func NewHTTPTransport(timeout time.Duration, cfg BreakerConfig) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = d.MaxRequests
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = d.MinRequests
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = d.FailureRate
	}

	settings := gobreaker.Settings{
		Name:        "relay-transport",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(breakerStateValue(to))
		},
		IsSuccessful: func(err error) bool {
			// Client-side errors (4xx) must not trip the breaker; it
			// guards against a struggling backend, not bad requests.
			var he *apierr.HTTPError
			if errors.As(err, &he) {
				return he.Status < 500
			}
			return err == nil
		},
	}

	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// BreakerState returns the current breaker state.
func (t *HTTPTransport) BreakerState() gobreaker.State {
	return t.breaker.State()
}

// Do executes the descriptor. A per-descriptor timeout overrides the
// client default via context.
func (t *HTTPTransport) Do(ctx context.Context, req domain.Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result, err := t.breaker.Execute(func() (any, error) {
		return t.execute(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &apierr.Error{
				Kind:    apierr.KindNetwork,
				Message: "circuit breaker open",
				Cause:   err,
			}
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (t *HTTPTransport) execute(ctx context.Context, req domain.Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeHTTPError(resp.StatusCode, respBody)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    respBody,
	}, nil
}

// decodeHTTPError builds the raw transport error, extracting the domain
// error payload when the body carries one.
func decodeHTTPError(status int, body []byte) *apierr.HTTPError {
	he := &apierr.HTTPError{
		Status:  status,
		Message: http.StatusText(status),
	}
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		he.Code = payload.Code
		he.Details = payload.Details
		switch {
		case payload.Message != "":
			he.Message = payload.Message
		case payload.Error != "":
			he.Message = payload.Error
		}
	}
	return he
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
