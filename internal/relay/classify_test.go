package relay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/zrelay/zrelay/internal/upstream"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      FailureKind
		retryable bool
		fault     bool
		grow      bool
	}{
		{401, FailureCredential, true, true, false},
		{403, FailureCredential, true, true, false},
		{429, FailureRateLimited, true, false, true},
		{400, FailureBadRequest, true, false, false},
		{500, FailureUpstreamServer, true, false, false},
		{503, FailureUpstreamServer, true, false, false},
		{404, FailureUpstreamReject, false, false, false},
		{422, FailureUpstreamReject, false, false, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			o := classifyStatus(tc.status, nil)
			if o.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", o.Kind, tc.kind)
			}
			if o.Retryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", o.Retryable, tc.retryable)
			}
			if o.CredentialFault != tc.fault {
				t.Errorf("credentialFault = %v, want %v", o.CredentialFault, tc.fault)
			}
			if o.GrowDelay != tc.grow {
				t.Errorf("growDelay = %v, want %v", o.GrowDelay, tc.grow)
			}
			if o.Status != tc.status {
				t.Errorf("status = %d, want %d", o.Status, tc.status)
			}
		})
	}
}

func TestUpstreamMessage(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"error_detail", `{"error":{"detail":"token expired"}}`, "token expired"},
		{"error_message", `{"error":{"message":"rate limited"}}`, "rate limited"},
		{"flat_detail", `{"detail":"not found"}`, "not found"},
		{"flat_message", `{"message":"oops"}`, "oops"},
		{"empty", ``, "upstream returned status 500"},
		{"not_json", `<html>bad gateway</html>`, "upstream returned status 500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := upstreamMessage(500, []byte(tc.body)); got != tc.want {
				t.Errorf("message = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassifyStreamError(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		fault bool
	}{
		{"connection_reset", errors.New("read tcp: connection reset by peer"), false},
		{"timeout", errors.New("i/o timeout"), false},
		{"dns", errors.New("dial: lookup chat.z.ai: dns failure"), false},
		{"unexpected_eof", errors.New("unexpected EOF"), false},
		{"stalled", fmt.Errorf("read: %w", upstream.ErrStreamStalled), false},
		{"upstream_event", errors.New("upstream error event: invalid token"), true},
		{"garbled_payload", errors.New("upstream error event: quota exceeded"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := classifyStreamError(tc.err)
			if o.Kind != FailureStream {
				t.Errorf("kind = %s, want stream", o.Kind)
			}
			if !o.Retryable {
				t.Error("stream failures must be retryable")
			}
			if o.CredentialFault != tc.fault {
				t.Errorf("credentialFault = %v, want %v (%v)", o.CredentialFault, tc.fault, tc.err)
			}
		})
	}
}

func TestErrorDetailMapping(t *testing.T) {
	cases := []struct {
		kind    FailureKind
		status  int
		want    int
		errType string
	}{
		{FailureCredential, 403, 403, "authentication_error"},
		{FailureCredential, 0, 401, "authentication_error"},
		{FailureRateLimited, 429, 429, "rate_limit_error"},
		{FailureUpstreamReject, 404, 404, "invalid_request_error"},
		{FailureTransport, 0, 502, "upstream_error"},
		{FailureExhausted, 0, 502, "upstream_error"},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			d := (&Error{Kind: tc.kind, Status: tc.status, Message: "x"}).Detail()
			if d.Status != tc.want {
				t.Errorf("status = %d, want %d", d.Status, tc.want)
			}
			if d.Type != tc.errType {
				t.Errorf("type = %q, want %q", d.Type, tc.errType)
			}
			if d.Code != tc.kind.String() {
				t.Errorf("code = %q, want %q", d.Code, tc.kind.String())
			}
		})
	}
}
