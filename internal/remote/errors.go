package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed RPC. It is decided once, here, from the
// HTTP status and the envelope's error code.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindTimeout
	KindServer
	KindConflict
	KindValidation
	KindNotFound
	KindUnauthorized
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Retryable reports whether a later attempt may succeed unchanged.
// Unknown failures are retried; the mutation's retry budget bounds them.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindUnauthorized, KindUnknown:
		return true
	default:
		return false
	}
}

// Transient reports whether the failure says something about endpoint
// health. Only these count against a circuit breaker.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// Error codes the authority puts in the envelope.
const (
	CodeConflict        = "CONFLICT"
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error is a failed RPC.
type Error struct {
	Kind    ErrorKind
	Code    string
	Status  int
	Message string

	// Current is the server's copy of the resource, sent with CONFLICT
	// responses when available.
	Current map[string]any

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("remote %s (%s, status %d): %s", e.Kind, e.Code, e.Status, msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("remote %s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error's kind is retryable.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf returns the ErrorKind of any error produced while calling the
// authority, including transport errors that never reached it.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// AsError returns err as *Error, classifying foreign errors with KindOf.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Err: err}
}

// Classify maps an HTTP status and envelope code to an ErrorKind. A known
// code wins over the status.
func Classify(status int, code string) ErrorKind {
	switch code {
	case CodeConflict, CodeVersionMismatch:
		return KindConflict
	case CodeValidation:
		return KindValidation
	case CodeNotFound:
		return KindNotFound
	case CodeUnauthorized, CodeForbidden:
		return KindUnauthorized
	case CodeRateLimited, CodeInternal:
		return KindServer
	}

	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusNotFound, status == http.StatusGone:
		return KindNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests, status >= 500:
		return KindServer
	case status >= 400:
		return KindRejected
	default:
		// 2xx carrying an error object with an unrecognised code.
		return KindRejected
	}
}
