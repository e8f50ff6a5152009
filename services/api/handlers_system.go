package api

import (
	"errors"
	"net/http"
	"strings"
)

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *API) handleTouchTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := pathInt(r, "tenant")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		respondError(w, http.StatusBadRequest, errors.New("username is required"))
		return
	}

	view, err := a.svc.Touch(r.Context(), tenant, req.Username)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant":  view,
		"message": a.renderer.Message("tenant", view, "Welcome "+view.Username),
	})
}

func (a *API) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := a.svc.SystemStatus(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"message": a.renderer.Message("status", status, "System Status"),
	})
}

func (a *API) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"stats":   stats,
		"message": a.renderer.Message("stats", stats, "Statistics"),
	})
}
