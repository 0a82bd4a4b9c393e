// Package server exposes the read-only operator surface and administrative
// triggers over HTTP/JSON. It is a thin shell around the controller and the
// store; all policy lives in the engine.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/metalfleet/fleetd/internal/controller"
	"github.com/metalfleet/fleetd/internal/metrics"
	"github.com/metalfleet/fleetd/internal/store"
	"github.com/metalfleet/fleetd/pkg/types"
)

// Server serves the admin API and the Prometheus endpoint.
type Server struct {
	controller *controller.Controller
	store      store.Store
	collector  *metrics.Collector
}

// NewServer wires the admin surface to a running engine.
func NewServer(c *controller.Controller, s store.Store, collector *metrics.Collector) *Server {
	return &Server{controller: c, store: s, collector: collector}
}

// Handler returns the full admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", s.collector.Handler())
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/objects/{id}", s.handleGetObject)
	mux.HandleFunc("GET /v1/objects/{id}/history", s.handleGetHistory)
	mux.HandleFunc("POST /v1/objects/{id}/reconcile", s.handleTrigger)
	mux.HandleFunc("POST /v1/objects/{id}/quarantine/clear", s.handleClearQuarantine)

	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.GetStatus())
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id := types.ObjectID(r.PathValue("id"))

	obj, err := s.store.Read(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := types.ObjectID(r.PathValue("id"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	// The object must exist even when its history is empty.
	if _, err := s.store.Read(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.store.ListHistory(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := types.ObjectID(r.PathValue("id"))

	if err := s.controller.TriggerReconcile(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"object": string(id), "status": "queued"})
}

func (s *Server) handleClearQuarantine(w http.ResponseWriter, r *http.Request) {
	id := types.ObjectID(r.PathValue("id"))

	if err := s.controller.ClearQuarantine(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"object": string(id), "status": "cleared"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
