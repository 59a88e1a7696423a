package server

import (
	"encoding/json"
	"net/http"

	"github.com/pulsegate/pulsegate/internal/core/observability/log"
)

// Ops endpoints. All read-only; mutation happens over the websocket.

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	resp := map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
	}
	switch {
	case s.store == nil:
		resp["store"] = "disabled"
	case s.store.Ping(r.Context()) != nil:
		resp["store"] = "unreachable"
	default:
		resp["store"] = "ok"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Summary())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	includeResolved := r.URL.Query().Get("resolved") == "true"
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": s.monitor.Alerts(includeResolved),
	})
}

func (s *Server) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("ops response encode failed", log.Error(err))
	}
}
