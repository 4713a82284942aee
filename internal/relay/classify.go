package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zrelay/zrelay/internal/json"
	"github.com/zrelay/zrelay/internal/upstream"
)

// Outcome is one classified attempt failure: whether another attempt may
// follow, whether the held credential takes the blame, and whether the
// inter-attempt delay should grow instead of staying fixed.
type Outcome struct {
	Kind            FailureKind
	Status          int
	Retryable       bool
	CredentialFault bool
	GrowDelay       bool
	Message         string
}

// Err converts the outcome into a terminal Error.
func (o Outcome) Err() *Error {
	return &Error{Kind: o.Kind, Status: o.Status, Message: o.Message}
}

// classifyStatus maps a non-200 upstream response onto the taxonomy.
//
// 401/403 indict the credential. 429 and 5xx are upstream conditions a
// different moment (or credential) may clear. 400 is retryable because this
// upstream intermittently rejects well-formed bodies with it. Remaining 4xx
// reflect the request itself and end the attempt loop.
func classifyStatus(status int, body []byte) Outcome {
	msg := upstreamMessage(status, body)
	switch {
	case status == 401 || status == 403:
		return Outcome{
			Kind:            FailureCredential,
			Status:          status,
			Retryable:       true,
			CredentialFault: true,
			Message:         msg,
		}
	case status == 429:
		return Outcome{
			Kind:      FailureRateLimited,
			Status:    status,
			Retryable: true,
			GrowDelay: true,
			Message:   msg,
		}
	case status == 400:
		return Outcome{
			Kind:      FailureBadRequest,
			Status:    status,
			Retryable: true,
			Message:   msg,
		}
	case status >= 500:
		return Outcome{
			Kind:      FailureUpstreamServer,
			Status:    status,
			Retryable: true,
			Message:   msg,
		}
	default:
		return Outcome{
			Kind:    FailureUpstreamReject,
			Status:  status,
			Message: msg,
		}
	}
}

// upstreamMessage extracts a human-readable error from the response body,
// falling back to the status code.
func upstreamMessage(status int, body []byte) string {
	for _, path := range []string{"error.detail", "error.message", "detail", "message"} {
		if v := json.GetBytes(body, path).String(); v != "" {
			return v
		}
	}
	return fmt.Sprintf("upstream returned status %d", status)
}

// networkIndicators mark stream failures caused by the path rather than the
// credential.
var networkIndicators = []string{
	"connection",
	"timeout",
	"timed out",
	"network",
	"dns",
	"socket",
	"tls",
	"ssl",
	"broken pipe",
	"reset by peer",
	"unexpected eof",
	"stalled",
}

// classifyStreamError maps a mid-stream failure onto the taxonomy. Network
// shaped failures spare the credential; anything else on an authenticated
// stream counts against it.
func classifyStreamError(err error) Outcome {
	msg := err.Error()
	lower := strings.ToLower(msg)

	fault := true
	for _, indicator := range networkIndicators {
		if strings.Contains(lower, indicator) {
			fault = false
			break
		}
	}
	if errors.Is(err, upstream.ErrStreamStalled) {
		fault = false
	}
	return Outcome{
		Kind:            FailureStream,
		Retryable:       true,
		CredentialFault: fault,
		Message:         "stream interrupted: " + msg,
	}
}

// classifyTransportError maps a request-level error (dial, TLS, proxied
// connect) onto the taxonomy.
func classifyTransportError(err error) Outcome {
	return Outcome{
		Kind:      FailureTransport,
		Retryable: true,
		Message:   "upstream request failed: " + err.Error(),
	}
}

// canceled reports a caller-initiated stop, which must not count against any
// credential or produce further output.
func canceled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
