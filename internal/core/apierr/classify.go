package apierr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Classify maps any failure into the closed taxonomy. It is pure and never
// panics. Precedence: already-classified errors pass through; recognized
// domain error codes map directly; responseless network failures map to
// Network; an HTTP status maps by code; everything else is Unknown with
// the original message preserved.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if byCode := classifyCode(he.Code, he); byCode != nil {
			return byCode
		}
		return classifyStatus(he)
	}

	if timeout, ok := networkFailure(err); ok {
		return &Error{Kind: KindNetwork, Message: err.Error(), Timeout: timeout, Cause: err}
	}

	return &Error{Kind: KindUnknown, Message: err.Error(), Cause: err}
}

func classifyCode(code string, he *HTTPError) *Error {
	switch code {
	case CodeAuthentication:
		return &Error{Kind: KindAuthentication, Message: he.Message, Status: he.Status, Cause: he}
	case CodeValidation:
		return &Error{Kind: KindValidation, Message: he.Message, Status: he.Status, Details: he.Details, Cause: he}
	case CodeNetwork:
		return &Error{Kind: KindNetwork, Message: he.Message, Status: he.Status, Cause: he}
	case CodeTimeout:
		return &Error{Kind: KindNetwork, Message: he.Message, Status: he.Status, Timeout: true, Cause: he}
	}
	return nil
}

func classifyStatus(he *HTTPError) *Error {
	out := &Error{Message: he.Message, Status: he.Status, Cause: he}
	switch {
	case he.Status == http.StatusUnauthorized:
		out.Kind = KindAuthentication
	case he.Status == http.StatusForbidden:
		out.Kind = KindAuthorization
	case he.Status == http.StatusNotFound:
		out.Kind = KindNotFound
	case he.Status == http.StatusUnprocessableEntity:
		out.Kind = KindValidation
		out.Details = he.Details
	case he.Status >= 500:
		out.Kind = KindServer
	default:
		out.Kind = KindUnknown
	}
	return out
}

// networkFailure reports whether err is a known network-failure signal and
// whether it is timeout-shaped.
func networkFailure(err error) (timeout, ok bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return true, true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout(), true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return false, true
	}
	return false, false
}
