package domain

import "time"

// Priority controls offline queue ordering.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Weight returns the sort weight of a priority (higher replays first).
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Metadata carries per-call bookkeeping. StartTime and Attempt are owned
// by the pipeline; Priority and Context are caller-supplied and feed the
// offline queue's sort order.
type Metadata struct {
	StartTime   time.Time
	Attempt     int
	Priority    Priority
	Context     string
	AuthRetried bool
}

// Request describes one outbound API call. Interceptors treat it as
// immutable by convention: each returns a mutated copy via Clone.
type Request struct {
	URL        string
	Method     string
	Headers    map[string]string
	Body       []byte
	Timeout    time.Duration
	MaxRetries int
	Meta       Metadata
}

// Clone returns a copy of the request with its own header map.
func (r Request) Clone() Request {
	out := r
	out.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out.Headers[k] = v
	}
	return out
}

// Header returns a cloned request with the header set.
func (r Request) Header(key, value string) Request {
	out := r.Clone()
	out.Headers[key] = value
	return out
}
