package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"scripthost/services/artifacts"
	"scripthost/services/hosting"
	"scripthost/services/store"
	"scripthost/services/supervisor"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondErrorMessage(w, status, err, "")
}

func respondErrorMessage(w http.ResponseWriter, status int, err error, message string) {
	if err == nil {
		err = errors.New("unknown error")
	}
	if message == "" {
		message = err.Error()
	}
	respondJSON(w, status, map[string]any{"error": err.Error(), "message": message})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		admissionErr  *supervisor.AdmissionError
		extractionErr *artifacts.ExtractionError
		spawnErr      *supervisor.SpawnError
		maxBytesErr   *http.MaxBytesError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, store.ErrNotFound), errors.Is(err, hosting.ErrArchiveUnavailable):
		return http.StatusNotFound
	case errors.Is(err, hosting.ErrAccessDenied), errors.Is(err, hosting.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.As(err, &admissionErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, hosting.ErrInvalidName):
		return http.StatusBadRequest
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &spawnErr):
		return http.StatusInternalServerError
	case errors.Is(err, artifacts.ErrEntryPointNotFound),
		errors.As(err, &extractionErr),
		errors.Is(err, artifacts.ErrUnsupportedArchive),
		errors.Is(err, supervisor.ErrUnsupportedKind),
		errors.Is(err, os.ErrNotExist):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func pathInt(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// target parses the tenant and artifact ids of an artifact route.
func target(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	tenant, err := pathInt(r, "tenant")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	id, err := pathInt(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	return tenant, id, true
}
