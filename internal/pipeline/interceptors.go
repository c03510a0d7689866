package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/envelope-labs/relay/internal/core/apierr"
	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/metrics"
	"github.com/envelope-labs/relay/internal/queue"
	"github.com/envelope-labs/relay/internal/session"
)

// Inline token rotation headers harvested from responses.
const (
	headerAccessToken  = "X-Access-Token"
	headerRefreshToken = "X-Refresh-Token"
)

const slowRequestThreshold = 3 * time.Second

// connectivityGuard fails fast when there is no network and the request
// cannot be queued. Admissible requests pass through to the admission step.
func (c *Client) connectivityGuard() RequestInterceptor {
	return RequestInterceptor{ID: "connectivity-guard", Fn: func(ctx context.Context, req domain.Request) (domain.Request, error) {
		if c.monitor.IsConnected() {
			return req, nil
		}
		if c.queue != nil && queue.Admissible(req.Method, req.URL) {
			return req, nil
		}
		return req, &apierr.Error{
			Kind:    apierr.KindNetwork,
			Message: "no network connection",
		}
	}}
}

// offlineAdmission diverts admissible requests into the offline queue
// while disconnected. The QueuedOffline signal is the chain's distinguished
// non-error exit.
func (c *Client) offlineAdmission() RequestInterceptor {
	return RequestInterceptor{ID: "offline-admission", Fn: func(ctx context.Context, req domain.Request) (domain.Request, error) {
		if c.monitor.IsConnected() || c.queue == nil {
			return req, nil
		}
		if !queue.Admissible(req.Method, req.URL) {
			return req, nil
		}
		id, err := c.queue.Admit(ctx, req)
		if err != nil {
			return req, err
		}
		return req, &apierr.QueuedOffline{ID: id}
	}}
}

// authGuard rejects calls to protected endpoints when no valid session
// exists, before any bytes hit the wire.
func (c *Client) authGuard() RequestInterceptor {
	return RequestInterceptor{ID: "auth-guard", Fn: func(ctx context.Context, req domain.Request) (domain.Request, error) {
		if c.session == nil || !c.requiresAuth(req.URL) {
			return req, nil
		}
		if !c.session.HasValidTokens() {
			return req, &apierr.Error{
				Kind:    apierr.KindAuthentication,
				Message: "no valid session for protected endpoint",
			}
		}
		return req, nil
	}}
}

// bearerToken injects the Authorization header, refreshing proactively
// when the token is near expiry. Refresh failure here is tolerated: the
// existing token is sent and a real 401 takes the refresh-retry path.
func (c *Client) bearerToken() RequestInterceptor {
	return RequestInterceptor{ID: "bearer-token", Fn: func(ctx context.Context, req domain.Request) (domain.Request, error) {
		if c.session == nil {
			return req, nil
		}
		if c.session.NeedsRefresh() {
			if err := c.session.RefreshTokens(ctx); err != nil {
				c.log.Warn("proactive token refresh failed", "error", err)
			}
		}
		if token := c.session.AccessToken(); token != "" {
			req = req.Header("Authorization", "Bearer "+token)
		}
		return req, nil
	}}
}

func (c *Client) requestLogging() RequestInterceptor {
	return RequestInterceptor{ID: "request-logging", Fn: func(ctx context.Context, req domain.Request) (domain.Request, error) {
		c.log.Debug("executing request",
			"method", req.Method,
			"url", req.URL,
			"attempt", req.Meta.Attempt)
		return req, nil
	}}
}

// tokenHarvest picks up tokens rotated inline on responses, handing them
// to the session source when it accepts them.
func (c *Client) tokenHarvest() ResponseInterceptor {
	return ResponseInterceptor{ID: "token-harvest", Fn: func(ctx context.Context, req domain.Request, resp *Response) (*Response, error) {
		h, ok := c.session.(session.Harvester)
		if !ok || resp == nil {
			return resp, nil
		}
		access := resp.Headers.Get(headerAccessToken)
		if access != "" {
			h.HarvestTokens(access, resp.Headers.Get(headerRefreshToken))
			c.log.Debug("harvested rotated tokens from response")
		}
		return resp, nil
	}}
}

func (c *Client) responseLogging() ResponseInterceptor {
	return ResponseInterceptor{ID: "response-logging", Fn: func(ctx context.Context, req domain.Request, resp *Response) (*Response, error) {
		c.log.Debug("request succeeded",
			"method", req.Method,
			"url", req.URL,
			"status", resp.Status)
		return resp, nil
	}}
}

// responseRetryTrigger is deliberately inert: retryability of successes
// never arises, but the slot keeps the response chain symmetric with the
// error chain.
func (c *Client) responseRetryTrigger() ResponseInterceptor {
	return ResponseInterceptor{ID: "retry-trigger", Fn: func(ctx context.Context, req domain.Request, resp *Response) (*Response, error) {
		return resp, nil
	}}
}

func (c *Client) perfLogging() ResponseInterceptor {
	return ResponseInterceptor{ID: "perf-logging", Fn: func(ctx context.Context, req domain.Request, resp *Response) (*Response, error) {
		if req.Meta.StartTime.IsZero() {
			return resp, nil
		}
		elapsed := time.Since(req.Meta.StartTime)
		metrics.RequestDuration.WithLabelValues(req.Method).Observe(elapsed.Seconds())
		if elapsed > slowRequestThreshold {
			c.log.Warn("slow request",
				"method", req.Method,
				"url", req.URL,
				"elapsed", elapsed)
		}
		return resp, nil
	}}
}

// refreshRetry handles a 401 by refreshing once and re-executing. A second
// consecutive 401 surfaces Authentication without another refresh.
func (c *Client) refreshRetry() ErrorInterceptor {
	return ErrorInterceptor{ID: "token-refresh-retry", Fn: func(ctx context.Context, req domain.Request, err error) (*Response, error) {
		classified := apierr.Classify(err)
		if classified.Kind != apierr.KindAuthentication || c.session == nil {
			return nil, err
		}
		if req.Meta.AuthRetried {
			return nil, classified
		}

		if refreshErr := c.session.RefreshTokens(ctx); refreshErr != nil {
			c.log.Warn("token refresh after 401 failed", "error", refreshErr)
			return nil, classified
		}

		retry := req.Clone()
		retry.Meta.AuthRetried = true
		if token := c.session.AccessToken(); token != "" {
			retry.Headers["Authorization"] = "Bearer " + token
		}
		c.log.Info("retrying request once after token refresh",
			"method", req.Method,
			"url", req.URL)

		resp, retryErr := c.transport.Do(ctx, retry)
		if retryErr != nil {
			again := apierr.Classify(retryErr)
			if again.Kind == apierr.KindAuthentication {
				// Refresh did not help; surface without looping.
				return nil, again
			}
			return nil, retryErr
		}
		return resp, nil
	}}
}

func (c *Client) errorLogging() ErrorInterceptor {
	return ErrorInterceptor{ID: "error-logging", Fn: func(ctx context.Context, req domain.Request, err error) (*Response, error) {
		classified := apierr.Classify(err)
		c.log.Warn("request failed",
			"method", req.Method,
			"url", req.URL,
			"kind", classified.Kind.String(),
			"status", classified.Status,
			"error", err)
		return nil, err
	}}
}

// errorRetryTrigger records the classification the retry engine will act
// on; the engine itself owns the retry decision.
func (c *Client) errorRetryTrigger() ErrorInterceptor {
	return ErrorInterceptor{ID: "retry-trigger", Fn: func(ctx context.Context, req domain.Request, err error) (*Response, error) {
		classified := apierr.Classify(err)
		metrics.RequestsTotal.WithLabelValues(req.Method, classified.Kind.String()).Inc()
		return nil, err
	}}
}

// requiresAuth reports whether the URL is a protected endpoint: anything
// outside the configured public path fragments.
func (c *Client) requiresAuth(url string) bool {
	lower := strings.ToLower(url)
	for _, fragment := range c.cfg.PublicPaths {
		if strings.Contains(lower, fragment) {
			return false
		}
	}
	return true
}
