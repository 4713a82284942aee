package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zrelay/zrelay/internal/ir"
	"github.com/zrelay/zrelay/internal/json"
)

func TestResolveModel(t *testing.T) {
	cases := []struct {
		name     string
		upstream string
		thinking bool
		search   bool
	}{
		{"GLM-4.5", "0727-360B-API", false, false},
		{"glm-4.5-thinking", "0727-360B-API", true, false},
		{"GLM-4.5-Search", "0727-360B-API", true, true},
		{"GLM-4.5-Air", "0727-106B-API", false, false},
		{"GLM-4.6", "GLM-4-6-API-V1", false, false},
		{"unknown-model", "0727-360B-API", false, false},
	}
	for _, tc := range cases {
		m := ResolveModel(tc.name)
		if m.UpstreamID != tc.upstream || m.Thinking != tc.thinking || m.Search != tc.search {
			t.Errorf("ResolveModel(%q) = %+v, want upstream=%s thinking=%v search=%v",
				tc.name, m, tc.upstream, tc.thinking, tc.search)
		}
	}
}

func TestBuildRequestFoldsSystemMessages(t *testing.T) {
	req := &ir.ChatRequest{
		Model: "GLM-4.5",
		Messages: []ir.ChatMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	}
	ureq, err := BuildRequest(req, false)
	if err != nil {
		t.Fatalf("BuildRequest error: %v", err)
	}

	roles := json.GetBytes(ureq.Body, "messages.#.role").Array()
	if len(roles) != 2 || roles[0].String() != "user" || roles[1].String() != "user" {
		t.Errorf("roles = %v, want [user user]", roles)
	}
	first := json.GetBytes(ureq.Body, "messages.0.content").String()
	if !strings.HasPrefix(first, systemDirective) || !strings.Contains(first, "be terse") {
		t.Errorf("folded content = %q, want directive prefix + original text", first)
	}
}

func TestBuildRequestThinkingAndSearch(t *testing.T) {
	req := &ir.ChatRequest{Model: "GLM-4.5-Search", Messages: []ir.ChatMessage{{Role: "user", Content: "q"}}}
	ureq, err := BuildRequest(req, false)
	if err != nil {
		t.Fatalf("BuildRequest error: %v", err)
	}

	if !json.GetBytes(ureq.Body, "features.enable_thinking").Bool() {
		t.Error("enable_thinking = false, want true for search model")
	}
	if !json.GetBytes(ureq.Body, "features.web_search").Bool() {
		t.Error("web_search = false, want true for search model")
	}
	servers := json.GetBytes(ureq.Body, "mcp_servers").Array()
	if len(servers) != 1 || servers[0].String() != "deep-web-search" {
		t.Errorf("mcp_servers = %v, want [deep-web-search]", servers)
	}
}

func TestBuildRequestToolGating(t *testing.T) {
	tools := []ir.ChatTool{{Type: "function", Function: ir.ChatToolFunc{Name: "f"}}}

	// Tool support on, non-thinking model: tools forwarded.
	req := &ir.ChatRequest{Model: "GLM-4.5", Tools: tools, Messages: []ir.ChatMessage{{Role: "user", Content: "x"}}}
	ureq, err := BuildRequest(req, true)
	if err != nil {
		t.Fatal(err)
	}
	if !ureq.HasTools {
		t.Error("HasTools = false, want true")
	}
	if n := len(json.GetBytes(ureq.Body, "tools").Array()); n != 1 {
		t.Errorf("body tools = %d entries, want 1", n)
	}

	// Tool support off: request remembers tools but does not forward them.
	ureq, err = BuildRequest(req, false)
	if err != nil {
		t.Fatal(err)
	}
	if !ureq.HasTools {
		t.Error("HasTools = false, want true even when not forwarded")
	}
	if json.GetBytes(ureq.Body, "tools").Exists() {
		t.Error("tools forwarded with tool support disabled")
	}

	// Thinking model: tools never forwarded upstream.
	req.Model = "GLM-4.5-Thinking"
	ureq, err = BuildRequest(req, true)
	if err != nil {
		t.Fatal(err)
	}
	if json.GetBytes(ureq.Body, "tools").Exists() {
		t.Error("tools forwarded for thinking model")
	}
}

func TestNewHTTPRequestHeaders(t *testing.T) {
	ureq := &Request{Body: []byte("{}"), ChatID: "chat-123"}
	httpReq, err := NewHTTPRequest(context.Background(), "https://example.test/chat", "tok", ureq)
	if err != nil {
		t.Fatal(err)
	}
	if got := httpReq.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if got := httpReq.Header.Get("Referer"); !strings.HasSuffix(got, "chat-123") {
		t.Errorf("Referer = %q, want chat id suffix", got)
	}
}

func TestGuestTokenFetchBasic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"guest-abc"}`))
	}))
	defer srv.Close()

	src := NewGuestTokenSource(srv.Client(), srv.URL)
	tok, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if tok != "guest-abc" {
		t.Errorf("token = %q, want guest-abc", tok)
	}
}

func TestGuestTokenFetchRetriesThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewGuestTokenSource(srv.Client(), srv.URL)
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("Fetch succeeded against failing endpoint")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}
