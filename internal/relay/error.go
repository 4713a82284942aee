// Package relay holds the response pipeline: phase reconciliation, tool-call
// assembly, and the retry/failover loop that drives upstream exchanges.
package relay

import (
	"fmt"

	"github.com/zrelay/zrelay/internal/ir"
)

// FailureKind names one class in the failure taxonomy.
type FailureKind int

const (
	// FailureTransport is a connect or request-level network error.
	FailureTransport FailureKind = iota
	// FailureCredential is an upstream rejection of the presented token.
	FailureCredential
	// FailureRateLimited is an upstream throughput rejection.
	FailureRateLimited
	// FailureUpstreamServer is a 5xx from the upstream.
	FailureUpstreamServer
	// FailureUpstreamReject is a non-retryable 4xx from the upstream.
	FailureUpstreamReject
	// FailureBadRequest is the upstream's flaky 400, treated as transient.
	FailureBadRequest
	// FailureStream is an established stream breaking before completion.
	FailureStream
	// FailureExhausted means the retry bound was hit or no credential was
	// available.
	FailureExhausted
)

// String implements fmt.Stringer for logs.
func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureCredential:
		return "credential"
	case FailureRateLimited:
		return "rate_limited"
	case FailureUpstreamServer:
		return "upstream_server"
	case FailureUpstreamReject:
		return "upstream_reject"
	case FailureBadRequest:
		return "bad_request"
	case FailureStream:
		return "stream"
	case FailureExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error is a classified relay failure.
type Error struct {
	Kind    FailureKind
	Status  int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("relay: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("relay: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Detail converts the failure into the OpenAI-shaped error body, mapping the
// taxonomy onto the HTTP status the gateway answers with.
func (e *Error) Detail() *ir.ErrorDetail {
	status := e.Status
	errType := "upstream_error"
	switch e.Kind {
	case FailureCredential:
		if status == 0 {
			status = 401
		}
		errType = "authentication_error"
	case FailureRateLimited:
		status = 429
		errType = "rate_limit_error"
	case FailureUpstreamReject:
		errType = "invalid_request_error"
	case FailureTransport, FailureStream, FailureUpstreamServer, FailureExhausted, FailureBadRequest:
		status = 502
		errType = "upstream_error"
	}
	if status == 0 {
		status = 502
	}
	return &ir.ErrorDetail{
		Message: e.Message,
		Type:    errType,
		Code:    e.Kind.String(),
		Status:  status,
	}
}
