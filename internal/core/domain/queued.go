package domain

import (
	"encoding/json"
	"time"
)

// DefaultQueuedMaxRetries bounds replay attempts for a queued request.
const DefaultQueuedMaxRetries = 3

// QueuedMeta is the optional metadata block of a persisted queue record.
type QueuedMeta struct {
	Priority Priority `json:"priority,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// QueuedRequest is one persisted offline-queue record. The JSON shape is
// the wire format stored under the queue's storage key and must stay
// backward-readable: unknown fields are ignored on load and missing
// optional fields are defaulted by Normalize.
type QueuedRequest struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	Meta       *QueuedMeta       `json:"metadata,omitempty"`
}

// Normalize fills defaults for fields older records may lack.
func (q *QueuedRequest) Normalize() {
	if q.MaxRetries <= 0 {
		q.MaxRetries = DefaultQueuedMaxRetries
	}
	if q.Meta == nil {
		q.Meta = &QueuedMeta{}
	}
	if !q.Meta.Priority.Valid() {
		q.Meta.Priority = PriorityMedium
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
}

// Priority returns the effective priority of the record.
func (q *QueuedRequest) Priority() Priority {
	if q.Meta != nil && q.Meta.Priority.Valid() {
		return q.Meta.Priority
	}
	return PriorityMedium
}
