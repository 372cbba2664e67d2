package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dokzlo13/fleetd/internal/bulk"
	"github.com/dokzlo13/fleetd/internal/dispatch"
	"github.com/dokzlo13/fleetd/internal/govee"
	"github.com/dokzlo13/fleetd/internal/intent"
	"github.com/dokzlo13/fleetd/internal/registry"
)

const maxIntentBody = 64 << 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Topology())
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.States())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.engine.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no state for "+id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in intent.Intent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntentBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	in.ID = ""
	if in.Source == "" {
		in.Source = "api"
	}

	id, err := s.engine.Submit(in)
	switch {
	case errors.Is(err, intent.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, intent.ErrQueueFull), errors.Is(err, intent.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

func (s *Server) handleScenes(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	device := r.URL.Query().Get("device")
	if device == "" {
		writeError(w, http.StatusBadRequest, "device query parameter is required")
		return
	}

	list, err := s.engine.Scenes(r.Context(), sku, device)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTargetScenes(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.TargetScenes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := s.engine.Segments(chi.URLParam(r, "id"))
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	if segs == nil {
		segs = []registry.Segment{}
	}
	writeJSON(w, http.StatusOK, segs)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var summary bulk.Summary
	switch chi.URLParam(r, "op") {
	case "all-off":
		summary = s.engine.AllOff(r.Context())
	case "all-on":
		summary = s.engine.AllOn(r.Context())
	default:
		writeError(w, http.StatusNotFound, "unknown bulk operation")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, s.engine.States())
}

// writeGatewayError maps engine errors to HTTP statuses.
func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, err.Error())
	case govee.IsAuth(err):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
