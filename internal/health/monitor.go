package health

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/queue"
)

// ConnectivitySource reports the network view.
type ConnectivitySource interface {
	IsConnected() bool
	CurrentState() domain.ConnectivityState
}

// QueueInspector exposes offline queue diagnostics.
type QueueInspector interface {
	Stats() queue.Stats
}

// RetryInspector exposes the in-flight retry count.
type RetryInspector interface {
	ActiveCount() int
}

// BreakerInspector exposes the transport circuit breaker state.
type BreakerInspector interface {
	BreakerState() gobreaker.State
}

// StorageChecker pings the persistence backend. Optional.
type StorageChecker interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from the resilience components.
type Monitor struct {
	connectivity ConnectivitySource
	queue        QueueInspector
	queueBound   int
	retries      RetryInspector
	breaker      BreakerInspector
	storage      StorageChecker

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport Report
}

// NewMonitor creates a health monitor. breaker and storage may be nil.
func NewMonitor(
	connectivity ConnectivitySource,
	q QueueInspector,
	queueBound int,
	retries RetryInspector,
	breaker BreakerInspector,
	storage StorageChecker,
) *Monitor {
	return &Monitor{
		connectivity: connectivity,
		queue:        q,
		queueBound:   queueBound,
		retries:      retries,
		breaker:      breaker,
		storage:      storage,
	}
}

// CheckHealth builds the current diagnostics report. Checks are rate
// limited to once per 10s to keep the endpoint cheap under probing.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && !m.lastReport.CheckedAt.IsZero() {
		return m.lastReport
	}

	report := Report{
		Status:        StatusHealthy,
		Connectivity:  m.connectivity.CurrentState(),
		Queue:         m.queue.Stats(),
		QueueCapacity: m.queueBound,
		CheckedAt:     time.Now(),
	}
	if m.retries != nil {
		report.ActiveRetries = m.retries.ActiveCount()
	}

	breakerOpen := false
	if m.breaker != nil {
		state := m.breaker.BreakerState()
		report.BreakerState = state.String()
		breakerOpen = state == gobreaker.StateOpen
	}

	if m.storage != nil {
		if err := m.storage.Health(ctx); err != nil {
			report.StorageError = err.Error()
		}
	}

	// Worst case wins: an open breaker or a full queue means requests are
	// being refused or evicted; offline or a backlog is degraded service.
	switch {
	case breakerOpen, m.queueBound > 0 && report.Queue.Total >= m.queueBound, report.StorageError != "":
		report.Status = StatusCritical
	case !m.connectivity.IsConnected(), report.Queue.Total > 0:
		report.Status = StatusDegraded
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
