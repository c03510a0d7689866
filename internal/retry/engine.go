// Package retry wraps arbitrary operations with exponential backoff,
// connectivity-aware waiting, and structured cancellation.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/envelope-labs/relay/internal/connectivity"
	"github.com/envelope-labs/relay/internal/core/apierr"
	"github.com/envelope-labs/relay/internal/metrics"
)

// Operation is one attemptable unit of work.
type Operation func(ctx context.Context) (any, error)

// connectivityWaitTimeout bounds how long a retry loop waits for the
// network to come back before surfacing the last failure.
const connectivityWaitTimeout = 30 * time.Second

// Engine executes operations with retry. Every invocation owns a
// cancellation context registered with the engine so AbortAll can tear
// down all in-flight delays and connectivity waits.
type Engine struct {
	monitor *connectivity.Monitor
	log     *slog.Logger

	// jitter returns a fraction in [0, 1); replaced in tests.
	jitter      func() float64
	waitTimeout time.Duration

	mu     sync.Mutex
	active map[uint64]context.CancelFunc
	nextID uint64
}

// NewEngine creates a retry engine bound to the connectivity monitor.
func NewEngine(monitor *connectivity.Monitor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		monitor:     monitor,
		log:         log,
		jitter:      rand.Float64,
		waitTimeout: connectivityWaitTimeout,
		active:      make(map[uint64]context.CancelFunc),
	}
}

// Execute runs op with the given policy. Success returns immediately. The
// queued-offline control signal propagates untouched. Retryable failures
// back off exponentially with jitter; if the monitor reports disconnected
// after a delay, the loop waits for connectivity before the next attempt.
// Exhausting the retry budget surfaces the classified error unchanged.
func (e *Engine) Execute(ctx context.Context, op Operation, p Policy) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	id := e.register(cancel)
	defer e.release(id)

	attempt := 1
	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		// A queued request is a deferral, not a failure: never retried,
		// never transformed.
		if _, ok := apierr.AsQueuedOffline(err); ok {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", apierr.ErrAborted, ctx.Err())
		}

		classified := apierr.Classify(err)
		if attempt >= p.MaxRetries || !p.retryable(classified) {
			return nil, classified
		}

		delay := Backoff(attempt, p.BaseDelay, p.MaxDelay, e.jitter())
		metrics.RetriesTotal.WithLabelValues(classified.Kind.String()).Inc()
		e.log.Debug("retrying operation",
			"attempt", attempt,
			"delay", delay,
			"error", classified)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, classified)
		}

		if !sleep(ctx, delay) {
			return nil, fmt.Errorf("%w: %w", apierr.ErrAborted, ctx.Err())
		}

		if !e.monitor.IsConnected() {
			if !e.monitor.WaitForConnection(ctx, e.waitTimeout) {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %w", apierr.ErrAborted, ctx.Err())
				}
				return nil, classified
			}
		}

		attempt++
	}
}

// SetWaitTimeout overrides how long retry loops wait for connectivity
// before surfacing the last failure.
func (e *Engine) SetWaitTimeout(d time.Duration) {
	if d > 0 {
		e.waitTimeout = d
	}
}

// ActiveCount returns the number of in-flight Execute invocations.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// AbortAll cancels every in-flight invocation. Pending delays and
// connectivity waits reject with ErrAborted.
func (e *Engine) AbortAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.active))
	for _, c := range e.active {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

func (e *Engine) register(cancel context.CancelFunc) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.active[id] = cancel
	return id
}

func (e *Engine) release(id uint64) {
	e.mu.Lock()
	cancel, ok := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
