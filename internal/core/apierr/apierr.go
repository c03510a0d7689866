// Package apierr maps heterogeneous transport and server failures into a
// closed taxonomy so the rest of the system branches on one tagged type
// instead of duck-typing loosely shaped errors.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is the closed failure taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is a classified API failure. Status is 0 when no HTTP response was
// received; Timeout marks timeout-shaped network failures; Details carries
// field-level validation messages when the server provides them.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Timeout bool
	Details map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Domain error codes recognized by the classifier. Backends emit these in
// structured error payloads.
const (
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeNetwork        = "NETWORK_ERROR"
	CodeTimeout        = "TIMEOUT_ERROR"
)

// HTTPError is the transport's raw representation of a non-2xx response,
// before classification.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d [%s]: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// QueuedOffline is the control signal returned when a request was admitted
// to the offline queue instead of executed. It is a successful deferral,
// not a failure: the retry engine propagates it untouched and the pipeline
// converts it into a non-error result at the outer boundary.
type QueuedOffline struct {
	ID string
}

func (q *QueuedOffline) Error() string {
	return fmt.Sprintf("request queued offline (id=%s)", q.ID)
}

// AsQueuedOffline extracts the queued-offline signal from an error chain.
func AsQueuedOffline(err error) (*QueuedOffline, bool) {
	var q *QueuedOffline
	if errors.As(err, &q) {
		return q, true
	}
	return nil, false
}

// ErrAborted is surfaced when a retry engine invocation is cancelled while
// waiting on a backoff delay or connectivity.
var ErrAborted = errors.New("operation aborted")
