package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zrelay/zrelay/internal/api/handlers"
	"github.com/zrelay/zrelay/internal/config"
	"github.com/zrelay/zrelay/internal/credential"
	"github.com/zrelay/zrelay/internal/json"
	"github.com/zrelay/zrelay/internal/relay"
	"github.com/zrelay/zrelay/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer wires a full server over a fake upstream handler.
func newTestServer(t *testing.T, apiKey string, upstreamHandler http.HandlerFunc) (*Server, *httptest.Server) {
	t.Helper()
	up := httptest.NewServer(upstreamHandler)
	t.Cleanup(up.Close)

	cfg := &config.Config{
		APIKey: apiKey,
		Upstream: config.UpstreamConfig{
			Endpoint:      up.URL,
			IdleTimeout:   config.Duration(2 * time.Second),
			MaxLineBuffer: 1 << 20,
		},
		Retry: config.RetryConfig{
			MaxRetries: 1,
			Delay:      config.Duration(5 * time.Millisecond),
			MaxDelay:   config.Duration(20 * time.Millisecond),
		},
	}

	pool := credential.NewPool(credential.SourceFunc(func() ([]string, error) {
		return []string{"test-token"}, nil
	}), 3, time.Hour)

	orch := relay.New(cfg, pool, up.Client())
	tracker := usage.NewTracker(nil)
	srv := New(cfg, handlers.NewChat(cfg, orch, tracker), handlers.NewAdmin(pool, orch, tracker))
	return srv, up
}

func streamingUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range []string{
		`{"type":"chat:completion","data":{"phase":"answer","delta_content":"Hello!"}}`,
		`{"type":"chat:completion","data":{"phase":"done","done":true,"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}}`,
		`[DONE]`,
	} {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
}

func doRequest(srv *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv, _ := newTestServer(t, "", streamingUpstream)

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions", "",
		`{"model":"GLM-4.5","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"content":"Hello!"`) {
		t.Errorf("delta missing from body: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Errorf("finish record missing: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]: %q", body[len(body)-40:])
	}
}

func TestChatCompletionsBuffered(t *testing.T) {
	srv, _ := newTestServer(t, "", streamingUpstream)

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions", "",
		`{"model":"GLM-4.5","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	doc := json.ParseBytes(w.Body.Bytes())
	if got := doc.Get("choices.0.message.content").String(); got != "Hello!" {
		t.Errorf("content = %q", got)
	}
	if got := doc.Get("choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish reason = %q", got)
	}
	if got := doc.Get("usage.total_tokens").Int(); got != 6 {
		t.Errorf("total tokens = %d, want 6", got)
	}
	if got := doc.Get("object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	srv, _ := newTestServer(t, "", streamingUpstream)

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions", "", `{"model":"GLM-4.5"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := json.ParseBytes(w.Body.Bytes()).Get("error.type").String(); got != "invalid_request_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, "secret", streamingUpstream)

	body := `{"model":"GLM-4.5","messages":[{"role":"user","content":"hi"}]}`
	if w := doRequest(srv, http.MethodPost, "/v1/chat/completions", "", body); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}
	if w := doRequest(srv, http.MethodPost, "/v1/chat/completions", "wrong", body); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
	if w := doRequest(srv, http.MethodPost, "/v1/chat/completions", "secret", body); w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}
	// Health stays open.
	if w := doRequest(srv, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", w.Code)
	}
}

func TestHealthReportsBreakerState(t *testing.T) {
	srv, _ := newTestServer(t, "", streamingUpstream)

	w := doRequest(srv, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := json.ParseBytes(w.Body.Bytes()).Get("upstream_breaker").String(); got != "closed" {
		t.Errorf("upstream_breaker = %q, want closed", got)
	}
}

func TestModelsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "", streamingUpstream)

	w := doRequest(srv, http.MethodGet, "/v1/models", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := json.ParseBytes(w.Body.Bytes())
	if got := doc.Get("object").String(); got != "list" {
		t.Errorf("object = %q", got)
	}
	found := false
	for _, m := range doc.Get("data.#.id").Array() {
		if m.String() == "GLM-4.5" {
			found = true
		}
	}
	if !found {
		t.Error("GLM-4.5 missing from model list")
	}
}

func TestAdminCredentialEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "", streamingUpstream)

	w := doRequest(srv, http.MethodGet, "/admin/credentials", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", w.Code)
	}
	if got := json.ParseBytes(w.Body.Bytes()).Get("total").Int(); got != 1 {
		t.Errorf("total = %d, want 1", got)
	}

	if w := doRequest(srv, http.MethodPost, "/admin/credentials/reload", "", ""); w.Code != http.StatusOK {
		t.Errorf("reload status = %d", w.Code)
	}
	if w := doRequest(srv, http.MethodPost, "/admin/credentials/reset", "", ""); w.Code != http.StatusOK {
		t.Errorf("reset status = %d", w.Code)
	}
	if w := doRequest(srv, http.MethodGet, "/admin/usage", "", ""); w.Code != http.StatusOK {
		t.Errorf("usage status = %d", w.Code)
	}
}

func TestUpstreamErrorMapsToStatus(t *testing.T) {
	srv, _ := newTestServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"unknown model"}`)
	})

	w := doRequest(srv, http.MethodPost, "/v1/chat/completions", "",
		`{"model":"GLM-4.5","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body = %s", w.Code, w.Body.String())
	}
	doc := json.ParseBytes(w.Body.Bytes())
	if got := doc.Get("error.type").String(); got != "invalid_request_error" {
		t.Errorf("error type = %q", got)
	}
	if got := doc.Get("error.message").String(); got != "unknown model" {
		t.Errorf("error message = %q", got)
	}
}
