package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/envelope-labs/relay/internal/connectivity"
	"github.com/envelope-labs/relay/internal/core/apierr"
	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/metrics"
	"github.com/envelope-labs/relay/internal/queue"
	"github.com/envelope-labs/relay/internal/retry"
	"github.com/envelope-labs/relay/internal/session"
)

// Config tunes the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Policy  retry.Policy
	// PublicPaths are URL fragments exempt from the auth-validity guard.
	PublicPaths []string
}

func defaultPublicPaths() []string {
	return []string{"/auth", "/health", "/status", "/register", "/password-reset"}
}

// Options carries per-call overrides for Request.
type Options struct {
	Priority   domain.Priority
	Context    string
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
}

// Result is the outcome of an executed call: either a response or, when
// the request was absorbed by the offline queue, the queued id. Queued
// results are deferrals, not failures.
type Result struct {
	Response *Response
	QueuedID string
}

// Queued reports whether the request was admitted to the offline queue
// instead of executed.
func (r *Result) Queued() bool { return r.QueuedID != "" }

// Client is the outward transport surface for domain services. Every call
// flows through the interceptor chain under the retry engine.
type Client struct {
	cfg       Config
	transport Transport
	session   session.Source
	monitor   *connectivity.Monitor
	queue     *queue.Queue
	engine    *retry.Engine
	log       *slog.Logger

	reqChain  []RequestInterceptor
	respChain []ResponseInterceptor
	errChain  []ErrorInterceptor
}

// NewClient assembles the pipeline with the canonical interceptor order:
// connectivity guard, offline admission, auth guard, bearer injection,
// request logging; harvesting, logging, retry-trigger and perf logging on
// responses; refresh-retry, logging and retry-trigger on errors.
func NewClient(
	cfg Config,
	transport Transport,
	sess session.Source,
	monitor *connectivity.Monitor,
	q *queue.Queue,
	engine *retry.Engine,
	log *slog.Logger,
) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Policy.MaxRetries == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if len(cfg.PublicPaths) == 0 {
		cfg.PublicPaths = defaultPublicPaths()
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		session:   sess,
		monitor:   monitor,
		queue:     q,
		engine:    engine,
		log:       log,
	}

	c.reqChain = []RequestInterceptor{
		c.connectivityGuard(),
		c.offlineAdmission(),
		c.authGuard(),
		c.bearerToken(),
		c.requestLogging(),
	}
	c.respChain = []ResponseInterceptor{
		c.tokenHarvest(),
		c.responseLogging(),
		c.responseRetryTrigger(),
		c.perfLogging(),
	}
	c.errChain = []ErrorInterceptor{
		c.refreshRetry(),
		c.errorLogging(),
		c.errorRetryTrigger(),
	}
	return c
}

// Use appends a request interceptor after the canonical chain.
func (c *Client) Use(i RequestInterceptor) { c.reqChain = append(c.reqChain, i) }

// UseResponse appends a response interceptor.
func (c *Client) UseResponse(i ResponseInterceptor) { c.respChain = append(c.respChain, i) }

// UseError appends an error interceptor.
func (c *Client) UseError(i ErrorInterceptor) { c.errChain = append(c.errChain, i) }

// Request builds a descriptor and executes it. body may be nil, []byte,
// or any JSON-marshalable value. options.Priority and options.Context feed
// the offline queue's ordering when the call is admitted.
func (c *Client) Request(ctx context.Context, method, path string, body any, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	case json.RawMessage:
		payload = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	headers := map[string]string{"Accept": "application/json"}
	if len(payload) > 0 {
		headers["Content-Type"] = "application/json"
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	req := domain.Request{
		URL:        joinURL(c.cfg.BaseURL, path),
		Method:     strings.ToUpper(method),
		Headers:    headers,
		Body:       payload,
		Timeout:    opts.Timeout,
		MaxRetries: opts.MaxRetries,
		Meta: domain.Metadata{
			Priority: opts.Priority,
			Context:  opts.Context,
		},
	}
	return c.Execute(ctx, req)
}

// Execute runs the descriptor through the pipeline under the retry
// engine. The queued-offline signal converts to Result{QueuedID} here so
// callers distinguish "queued for later" from "failed".
func (c *Client) Execute(ctx context.Context, req domain.Request) (*Result, error) {
	base := req.Clone()
	if base.Meta.StartTime.IsZero() {
		base.Meta.StartTime = time.Now()
	}

	policy := c.cfg.Policy
	if base.MaxRetries > 0 {
		policy = policy.WithMaxRetries(base.MaxRetries)
	}

	attempt := 0
	res, err := c.engine.Execute(ctx, func(ctx context.Context) (any, error) {
		attempt++
		r := base.Clone()
		r.Meta.Attempt = attempt
		return c.run(ctx, r)
	}, policy)

	if err != nil {
		if q, ok := apierr.AsQueuedOffline(err); ok {
			metrics.RequestsTotal.WithLabelValues(base.Method, "queued").Inc()
			return &Result{QueuedID: q.ID}, nil
		}
		return nil, err
	}

	metrics.RequestsTotal.WithLabelValues(base.Method, "success").Inc()
	return &Result{Response: res.(*Response)}, nil
}

// run is one pipeline pass: request interceptors in registration order,
// execute, then the response or error chain.
func (c *Client) run(ctx context.Context, req domain.Request) (*Response, error) {
	var err error
	for _, ri := range c.reqChain {
		req, err = ri.Fn(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		for _, ei := range c.errChain {
			var recovered *Response
			recovered, err = ei.Fn(ctx, req, err)
			if recovered != nil {
				resp = recovered
				err = nil
				break
			}
		}
		if err != nil {
			return nil, err
		}
	}

	for _, pi := range c.respChain {
		resp, err = pi.Fn(ctx, req, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// ActiveRetryCount exposes the engine's in-flight invocation count.
func (c *Client) ActiveRetryCount() int { return c.engine.ActiveCount() }

// AbortAll cancels every in-flight retry loop.
func (c *Client) AbortAll() { c.engine.AbortAll() }

// Dispose tears the client down: aborts retries and stops the queue and
// monitor.
func (c *Client) Dispose() {
	c.engine.AbortAll()
	if c.queue != nil {
		c.queue.Stop()
	}
	c.monitor.Stop()
}

// QueueExecutor adapts a transport for offline replay. Credentials are
// injected at submit time, not copied from admission: an item queued before
// a token rotation or expiry replays with the current token. Replayed
// requests carry their queue id so the backend can deduplicate against a
// live retry of the same logical request.
func QueueExecutor(t Transport, sess session.Source) queue.Executor {
	return func(ctx context.Context, item domain.QueuedRequest) error {
		req := domain.Request{
			URL:        item.URL,
			Method:     item.Method,
			Headers:    make(map[string]string, len(item.Headers)+2),
			Body:       []byte(item.Data),
			MaxRetries: item.MaxRetries,
		}
		for k, v := range item.Headers {
			req.Headers[k] = v
		}
		req.Headers[queue.RequestIDHeader] = item.ID
		if sess != nil {
			if sess.NeedsRefresh() {
				// Refresh failure is tolerated: a stale token fails this
				// attempt and the item stays queued for the next pass.
				_ = sess.RefreshTokens(ctx)
			}
			if token := sess.AccessToken(); token != "" {
				req.Headers["Authorization"] = "Bearer " + token
			}
		}
		_, err := t.Do(ctx, req)
		return err
	}
}

// joinURL joins the base URL and path; absolute paths pass through.
func joinURL(base, p string) string {
	if p == "" {
		return base
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}
