package api

import (
	"net/http"
)

const defaultRunLimit = 20

func (a *API) handleRuns(w http.ResponseWriter, r *http.Request) {
	tenant, id, ok := target(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultRunLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	runs, err := a.svc.Runs(r.Context(), tenant, id, limit)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleRunArchive(w http.ResponseWriter, r *http.Request) {
	tenant, id, ok := target(w, r)
	if !ok {
		return
	}
	runID, err := pathInt(r, "run")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	url, err := a.svc.RunArchiveURL(r.Context(), tenant, id, runID)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run_id": runID, "url": url})
}
