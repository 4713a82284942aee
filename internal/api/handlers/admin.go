package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zrelay/zrelay/internal/credential"
	"github.com/zrelay/zrelay/internal/relay"
	"github.com/zrelay/zrelay/internal/usage"
)

// Admin serves the health and management endpoints.
type Admin struct {
	pool    *credential.Pool
	orch    *relay.Orchestrator
	tracker *usage.Tracker
	started time.Time
}

// NewAdmin wires the admin handler. tracker may be nil.
func NewAdmin(pool *credential.Pool, orch *relay.Orchestrator, tracker *usage.Tracker) *Admin {
	return &Admin{pool: pool, orch: orch, tracker: tracker, started: time.Now()}
}

// Health handles GET /health.
func (h *Admin) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"uptime":           time.Since(h.started).Round(time.Second).String(),
		"credentials":      h.pool.Size(),
		"upstream_breaker": h.orch.Breaker().State().String(),
	})
}

// Credentials handles GET /admin/credentials: the redacted pool snapshot.
func (h *Admin) Credentials(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Snapshot())
}

// ReloadCredentials handles POST /admin/credentials/reload.
func (h *Admin) ReloadCredentials(c *gin.Context) {
	if err := h.pool.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true, "total": h.pool.Size()})
}

// ResetCredentials handles POST /admin/credentials/reset: reactivates every
// entry and zeroes failure counts.
func (h *Admin) ResetCredentials(c *gin.Context) {
	h.pool.ResetAll()
	c.JSON(http.StatusOK, gin.H{"reset": true, "total": h.pool.Size()})
}

// Usage handles GET /admin/usage. The days query parameter bounds the
// historical window (default 7).
func (h *Admin) Usage(c *gin.Context) {
	resp := gin.H{"counters": h.tracker.Counters()}

	backend := h.tracker.Backend()
	if backend != nil {
		days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
		if err != nil || days <= 0 {
			days = 7
		}
		since := time.Now().AddDate(0, 0, -days)
		ctx := c.Request.Context()

		if global, err := backend.QueryGlobalStats(ctx, since); err == nil {
			resp["window"] = global
		}
		if daily, err := backend.QueryDailyStats(ctx, since); err == nil {
			resp["daily"] = daily
		}
		if models, err := backend.QueryModelStats(ctx, since); err == nil {
			resp["models"] = models
		}
		if creds, err := backend.QueryCredentialStats(ctx, since); err == nil {
			resp["credentials"] = creds
		}
	}

	c.JSON(http.StatusOK, resp)
}
