// Package api serves the HTTP control API and the WebSocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/bulk"
	"github.com/dokzlo13/fleetd/internal/govee"
	"github.com/dokzlo13/fleetd/internal/intent"
	"github.com/dokzlo13/fleetd/internal/registry"
	"github.com/dokzlo13/fleetd/internal/state"
)

// Engine is the control session behind the API.
type Engine interface {
	Ready() bool
	Topology() registry.Snapshot
	States() map[string]state.ControlState
	State(id string) (state.ControlState, bool)
	Submit(in intent.Intent) (string, error)
	Scenes(ctx context.Context, sku, sampleDevice string) ([]govee.Scene, error)
	TargetScenes(ctx context.Context, targetID string) ([]govee.Scene, error)
	Segments(deviceID string) ([]registry.Segment, error)
	AllOff(ctx context.Context) bulk.Summary
	AllOn(ctx context.Context) bulk.Summary
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	engine     Engine
	hub        *Hub
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(host string, port int, engine Engine, hub *Hub) *Server {
	return &Server{
		addr:   fmt.Sprintf("%s:%d", host, port),
		engine: engine,
		hub:    hub,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/topology", s.handleTopology)
		r.Get("/state", s.handleStates)
		r.Get("/state/{id}", s.handleState)
		r.Post("/intents", s.handleSubmit)
		r.Get("/scenes/{sku}", s.handleScenes)
		r.Get("/targets/{id}/scenes", s.handleTargetScenes)
		r.Get("/targets/{id}/segments", s.handleSegments)
		r.Post("/bulk/{op}", s.handleBulk)
		r.Get("/ws", s.handleWS)
	})
	return r
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
