package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/broadcast/internal/api"
	"github.com/foxzi/broadcast/internal/config"
	"github.com/foxzi/broadcast/internal/metrics"
	"github.com/foxzi/broadcast/internal/sendlog"
	"github.com/foxzi/broadcast/internal/storage"
)

// App is the broadcast server
type App struct {
	config        *config.Config
	db            *bolt.DB
	engine        *Engine
	sessions      *api.Registry
	apiServer     *api.Server
	cleaner       *sendlog.Cleaner
	collector     *metrics.Collector
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	engine, err := NewEngine(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	sessions := api.NewRegistry(engine.NewComposer, cfg.Campaign.SessionTTL, logger)
	// a nil *quota.Limiter must stay a nil interface
	var quotas api.QuotaStore
	if engine.Limiter != nil {
		quotas = engine.Limiter
	}
	apiServer := api.NewServer(sessions, engine.Reports, engine.Templates, quotas, &cfg.API, logger)

	a := &App{
		config:    cfg,
		db:        db,
		engine:    engine,
		sessions:  sessions,
		apiServer: apiServer,
		logger:    logger,
	}

	if cfg.Storage.ReportRetention > 0 {
		a.cleaner = sendlog.NewCleaner(engine.Reports, cfg.Storage.ReportRetention, cfg.Storage.CleanupInterval, logger)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		collector, err := metrics.NewCollector(db, m, sessions, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			engine.Close()
			db.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.collector = collector
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	return a, nil
}

// Run starts every server and blocks until a signal or a server failure
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting broadcast",
		"community", a.config.Community.Name,
		"api_addr", a.config.API.ListenAddr,
		"whatsapp", a.config.WhatsApp.Enabled(),
		"email", a.config.Email.Enabled(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.sessions.Start(ctx, a.config.Campaign.CleanupInterval)
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the servers and flushes state to storage
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.sessions.Stop()
	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.engine.Close(); err != nil {
		a.logger.Error("quota limiter stop error", "error", err)
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger builds the process logger and installs it as the slog default
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
