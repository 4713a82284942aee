package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/zrelay/zrelay/internal/json"
	log "github.com/zrelay/zrelay/internal/logging"
	"github.com/zrelay/zrelay/internal/resilience"
)

// GuestTokenSource fetches anonymous visitor tokens from the upstream auth
// endpoint. Fetches are retried with short backoff; a fetch failure is not
// fatal because the caller falls back to the credential pool.
type GuestTokenSource struct {
	client   *http.Client
	authURL  string
	executor failsafe.Executor[string]
}

// NewGuestTokenSource builds a source over client and authURL.
func NewGuestTokenSource(client *http.Client, authURL string) *GuestTokenSource {
	policy := resilience.NewRetryPolicy[string](2, 300*time.Millisecond, 2*time.Second)
	return &GuestTokenSource{
		client:   client,
		authURL:  authURL,
		executor: failsafe.With[string](policy),
	}
}

// Fetch returns a fresh guest token.
func (g *GuestTokenSource) Fetch(ctx context.Context) (string, error) {
	return g.executor.WithContext(ctx).Get(func() (string, error) {
		return g.fetchOnce(ctx)
	})
}

func (g *GuestTokenSource) fetchOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.authURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("guest token fetch: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	token := json.GetBytes(data, "token").String()
	if token == "" {
		return "", fmt.Errorf("guest token fetch: no token in response")
	}
	log.Debugf("guest token fetched (%d chars)", len(token))
	return token, nil
}
