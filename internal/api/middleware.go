// Package api assembles the gin server: middleware, routes, and lifecycle.
package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/zrelay/zrelay/internal/config"
)

// corsMiddleware adds permissive CORS headers to every response.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware enforces the configured API key. Credentials arrive as a
// bearer token or an x-api-key header. With skip-auth set or no key
// configured, everything passes.
func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.SkipAuth || cfg.APIKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader("x-api-key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			key = strings.TrimPrefix(auth, "Bearer ")
			if key == auth {
				key = ""
			}
		}

		if key != cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"message": "invalid or missing API key",
				"type":    "authentication_error",
			}})
			return
		}
		c.Next()
	}
}

// clientLimiter tracks one client's limiter and its last activity for pruning.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware applies a per-client-IP token bucket of rps requests per
// second with a burst of 2*rps. Idle clients are pruned lazily.
func rateLimitMiddleware(rps float64) gin.HandlerFunc {
	var (
		mu        sync.Mutex
		clients   = make(map[string]*clientLimiter)
		lastPrune = time.Now()
	)
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		if time.Since(lastPrune) > 10*time.Minute {
			for k, v := range clients {
				if time.Since(v.lastSeen) > 10*time.Minute {
					delete(clients, k)
				}
			}
			lastPrune = time.Now()
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.lastSeen = time.Now()
		allowed := cl.limiter.Allow()
		mu.Unlock()

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
				"message": "rate limit exceeded",
				"type":    "rate_limit_error",
			}})
			return
		}
		c.Next()
	}
}
