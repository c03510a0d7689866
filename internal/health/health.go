// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/queue"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full diagnostics snapshot.
type Report struct {
	Status        SystemStatus             `json:"status"`
	Connectivity  domain.ConnectivityState `json:"connectivity"`
	Queue         queue.Stats              `json:"queue"`
	QueueCapacity int                      `json:"queue_capacity"`
	ActiveRetries int                      `json:"active_retries"`
	BreakerState  string                   `json:"breaker_state"`
	StorageError  string                   `json:"storage_error,omitempty"`
	CheckedAt     time.Time                `json:"checked_at"`
}
