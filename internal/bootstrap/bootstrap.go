// Package bootstrap wires configuration, credential pool, relay, usage
// tracking, and the HTTP server into a runnable application.
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/zrelay/zrelay/internal/api"
	"github.com/zrelay/zrelay/internal/api/handlers"
	"github.com/zrelay/zrelay/internal/config"
	"github.com/zrelay/zrelay/internal/credential"
	log "github.com/zrelay/zrelay/internal/logging"
	"github.com/zrelay/zrelay/internal/relay"
	"github.com/zrelay/zrelay/internal/transport"
	"github.com/zrelay/zrelay/internal/upstream"
	"github.com/zrelay/zrelay/internal/usage"
)

// App holds the assembled components.
type App struct {
	Config  *config.Config
	Pool    *credential.Pool
	Tracker *usage.Tracker
	Server  *api.Server
}

// New loads configuration from configPath and assembles the application.
// portOverride, when non-zero, wins over the configured port.
func New(configPath string, portOverride int) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if portOverride != 0 {
		cfg.Port = portOverride
	}

	log.SetDebug(cfg.Debug)
	if err := log.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		return nil, err
	}

	pool := credential.NewPool(&credential.FileSource{
		Path:   cfg.Credentials.File,
		Backup: cfg.Credentials.Backup,
	}, cfg.Credentials.MaxFailures, cfg.Credentials.ReloadInterval.Std())

	client, err := transport.NewClient(cfg.Upstream.ProxyURL, cfg.Upstream.RequestTimeout.Std())
	if err != nil {
		return nil, err
	}

	orch := relay.New(cfg, pool, client)
	if cfg.Upstream.Anonymous {
		orch.SetGuestSource(upstream.NewGuestTokenSource(client, cfg.Upstream.AuthEndpoint))
		log.Infof("anonymous mode: guest tokens preferred, pool of %d as fallback", pool.Size())
	} else {
		log.Infof("credential pool loaded with %d entries", pool.Size())
	}

	var tracker *usage.Tracker
	usage.SetStatisticsEnabled(cfg.Usage.DSN != "")
	if cfg.Usage.DSN != "" {
		tracker, err = usage.Initialize(usage.BackendConfig{
			DSN:           cfg.Usage.DSN,
			BatchSize:     cfg.Usage.BatchSize,
			FlushInterval: cfg.Usage.FlushInterval.Std(),
			RetentionDays: cfg.Usage.RetentionDays,
		})
		if err != nil {
			log.Warnf("usage tracking disabled: %v", err)
			tracker = nil
		} else {
			log.Infof("usage backend ready: %s", cfg.Usage.DSN)
		}
	}

	srv := api.New(cfg,
		handlers.NewChat(cfg, orch, tracker),
		handlers.NewAdmin(pool, orch, tracker),
	)

	return &App{
		Config:  cfg,
		Pool:    pool,
		Tracker: tracker,
		Server:  srv,
	}, nil
}

// Run serves until a signal or ctx cancellation, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.Config.Credentials.Watch {
		stopWatch, err := credential.WatchFile(ctx, a.Config.Credentials.File, a.Pool)
		if err != nil {
			log.Warnf("credential file watch unavailable: %v", err)
		} else {
			defer stopWatch()
		}
	}

	err := a.Server.Run(ctx)

	if stopErr := a.Tracker.Stop(); stopErr != nil {
		log.Warnf("usage shutdown: %v", stopErr)
	}
	return err
}
