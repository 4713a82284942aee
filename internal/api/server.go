package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zrelay/zrelay/internal/api/handlers"
	"github.com/zrelay/zrelay/internal/config"
	log "github.com/zrelay/zrelay/internal/logging"
)

// Server is the HTTP front of the relay.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	http   *http.Server
}

// New assembles middleware and routes over the given handlers.
func New(cfg *config.Config, chat *handlers.Chat, admin *handlers.Admin) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(log.GinLogrusLogger())
	engine.Use(log.GinLogrusRecovery())
	engine.Use(corsMiddleware())
	if cfg.RateLimit > 0 {
		engine.Use(rateLimitMiddleware(cfg.RateLimit))
	}

	engine.GET("/health", admin.Health)

	v1 := engine.Group("/v1", authMiddleware(cfg))
	v1.POST("/chat/completions", chat.Completions)
	v1.GET("/models", chat.Models)

	adm := engine.Group("/admin", authMiddleware(cfg))
	adm.GET("/credentials", admin.Credentials)
	adm.POST("/credentials/reload", admin.ReloadCredentials)
	adm.POST("/credentials/reset", admin.ResetCredentials)
	adm.GET("/usage", admin.Usage)

	return &Server{
		cfg:    cfg,
		engine: engine,
		http: &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Infof("shutting down")
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
