// Package pipeline orchestrates outbound API calls: an ordered interceptor
// chain shapes each request, the transport executes it (or the offline
// queue absorbs it), and response/error interceptors post-process the
// result. The retry engine wraps the whole pass.
package pipeline

import (
	"context"

	"github.com/envelope-labs/relay/internal/core/domain"
)

// RequestFunc transforms a descriptor before execution. It returns the
// (possibly mutated) copy, or an error to short-circuit the chain. The
// offline-admission step short-circuits with *apierr.QueuedOffline, which
// is a deferral rather than a failure.
type RequestFunc func(ctx context.Context, req domain.Request) (domain.Request, error)

// RequestInterceptor is one named step of the request chain.
type RequestInterceptor struct {
	ID string
	Fn RequestFunc
}

// ResponseFunc post-processes a successful response.
type ResponseFunc func(ctx context.Context, req domain.Request, resp *Response) (*Response, error)

// ResponseInterceptor is one named step of the response chain.
type ResponseInterceptor struct {
	ID string
	Fn ResponseFunc
}

// ErrorFunc inspects a failure. Returning a non-nil Response recovers the
// call (the response chain then runs); returning an error keeps or
// replaces the failure.
type ErrorFunc func(ctx context.Context, req domain.Request, err error) (*Response, error)

// ErrorInterceptor is one named step of the error chain.
type ErrorInterceptor struct {
	ID string
	Fn ErrorFunc
}
