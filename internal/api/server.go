package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/broadcast/internal/config"
	"github.com/foxzi/broadcast/internal/metrics"
)

// Server is the HTTP API hosting composer sessions
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	sessions   *Registry
	reports    ReportStore
	templates  TemplateStore
	quotas     QuotaStore
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time

	// sha256 digests of keys that passed the bcrypt check
	verifiedKeys sync.Map
}

// NewServer creates a new API server. reports, templates and quotas may be
// nil, in which case their routes are not registered.
func NewServer(sessions *Registry, reports ReportStore, templates TemplateStore, quotas QuotaStore, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		sessions:  sessions,
		reports:   reports,
		templates: templates,
		quotas:    quotas,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/composers", func(r chi.Router) {
			r.Post("/", s.handleCreateComposer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetComposer)
				r.Delete("/", s.handleDeleteComposer)
				r.Post("/open", s.handleOpenComposer)
				r.Put("/recipients", s.handleSetRecipients)
				r.Get("/templates", s.handleListTemplates)
				r.Put("/template", s.handleSelectTemplate)
				r.Put("/bindings", s.handleSetBindings)
				r.Put("/header-media", s.handleSetHeaderMedia)
				r.Post("/next", s.handleNext)
				r.Post("/back", s.handleBack)
				r.Get("/preview", s.handlePreview)
				r.Post("/send", s.handleSend)
				r.Get("/report", s.handleComposerReport)
			})
		})

		if s.reports != nil {
			r.Get("/reports", s.handleListReports)
			r.Get("/reports/{id}", s.handleGetReport)
		}

		if s.templates != nil {
			s.registerTemplateRoutes(r)
		}

		if s.quotas != nil {
			r.Get("/quota", s.handleQuota)
		}
	})
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
