package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/session"
	"github.com/statline/feedsync/telemetry"
)

// NewRouter builds the admin API router
func NewRouter(handlers *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handlers.handleHealth)

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/session", handlers.handleOverview)
		r.Post("/identity/sign-in", handlers.handleSignIn)
		r.Post("/identity/sign-out", handlers.handleSignOut)

		r.Route("/feeds/{table}", func(r chi.Router) {
			r.Get("/count", handlers.wrapWithSession(handlers.handleFeedCount))
			r.Get("/items", handlers.wrapWithSession(handlers.handleFeedItems))
			r.Post("/read-all", handlers.wrapWithSession(handlers.handleMarkAllRead))
			r.Post("/refetch", handlers.wrapWithSession(handlers.handleRefetch))
		})
	})

	return r
}

// wrapWithSession resolves the active session for the table URL param
func (h *Handlers) wrapWithSession(fn func(http.ResponseWriter, *http.Request, *session.Session, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		if table == "" {
			writeErrorResponse(w, http.StatusBadRequest, "table name is required")
			return
		}

		s, ok := h.registry.Session(table)
		if !ok {
			writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("no active session for table '%s'", table))
			return
		}

		fn(w, r, s, table)
	}
}

// Server wraps the admin HTTP listener
type Server struct {
	httpServer *http.Server
}

// NewServer builds the admin server from configuration
func NewServer(config cfg.AdminConfiguration, handlers *Handlers) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.BindAddress, config.Port),
			Handler:      NewRouter(handlers),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Start serves in a background goroutine
func (s *Server) Start() {
	go func() {
		log.Info().Str("address", s.httpServer.Addr).Msg("Admin API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
