package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"scripthost/services/hosting"
	"scripthost/services/supervisor"
)

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	tenant, err := pathInt(r, "tenant")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		respondError(w, status, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("file field: %w", err))
		return
	}
	defer file.Close()

	res, err := a.svc.Upload(r.Context(), hosting.UploadRequest{
		TenantID: tenant,
		Username: r.FormValue("username"),
		Name:     header.Filename,
		Body:     file,
	})
	if err != nil {
		var quota *hosting.QuotaError
		if errors.As(err, &quota) {
			respondErrorMessage(w, statusFor(err), err, a.renderer.Message("quota", quota, err.Error()))
			return
		}
		a.respondFailure(w, err)
		return
	}

	message := a.renderer.Message("uploaded", map[string]any{
		"MainFile":    res.Artifact.MainFile,
		"AutoStarted": res.AutoStarted,
	}, "File uploaded")
	if res.Start != nil {
		message += "\n" + a.startedMessage("started", res.Artifact.OrigName, *res.Start)
	} else if res.StartErr != nil {
		message += "\n" + a.failureMessage(res.StartErr)
	}
	respondJSON(w, http.StatusCreated, map[string]any{"upload": res, "message": message})
}

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	tenant, err := pathInt(r, "tenant")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	list, err := a.svc.List(r.Context(), tenant)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"artifacts": list,
		"message":   a.renderer.Message("artifacts", list, ""),
	})
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	tenant, id, ok := target(w, r)
	if !ok {
		return
	}
	view, err := a.svc.Get(r.Context(), tenant, id)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"artifact": view,
		"message":  a.renderer.Message("artifact", view, view.OrigName),
	})
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	a.handleLaunch(w, r, "started", a.svc.Start)
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	a.handleLaunch(w, r, "restarted", a.svc.Restart)
}

type launchFunc func(ctx context.Context, tenantID, id int64) (supervisor.StartResult, error)

func (a *API) handleLaunch(w http.ResponseWriter, r *http.Request, tmpl string, launch launchFunc) {
	tenant, id, ok := target(w, r)
	if !ok {
		return
	}
	view, err := a.svc.Get(r.Context(), tenant, id)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	res, err := launch(r.Context(), tenant, id)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"start":   res,
		"message": a.startedMessage(tmpl, view.OrigName, res),
	})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	tenant, id, ok := target(w, r)
	if !ok {
		return
	}
	view, err := a.svc.Get(r.Context(), tenant, id)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	res, err := a.svc.Stop(r.Context(), tenant, id)
	if err != nil {
		a.respondFailure(w, err)
		return
	}

	var message string
	if res.Stopped {
		message = a.renderer.Message("stopped", map[string]any{
			"Name":        view.OrigName,
			"Forced":      res.Forced,
			"HasExitCode": true,
			"ExitCode":    res.ExitCode,
		}, view.OrigName+" stopped")
	} else {
		message = a.renderer.Message("not_running", map[string]any{"Name": view.OrigName}, view.OrigName+" is not running")
	}
	respondJSON(w, http.StatusOK, map[string]any{"stop": res, "message": message})
}

func (a *API) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	tenant, id, ok := target(w, r)
	if !ok {
		return
	}
	if err := a.svc.Delete(r.Context(), tenant, id); err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"deleted": id,
		"message": a.renderer.Message("deleted", nil, "File deleted"),
	})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	tenant, id, ok := target(w, r)
	if !ok {
		return
	}
	lines, err := queryInt(r, "lines", supervisor.DefaultLogLines)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.svc.Get(r.Context(), tenant, id)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	logs, err := a.svc.Logs(r.Context(), tenant, id, lines)
	if err != nil {
		a.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"logs":    logs,
		"message": a.renderer.Message("logs", map[string]any{"Name": view.OrigName}, view.OrigName),
	})
}

func (a *API) startedMessage(tmpl, name string, res supervisor.StartResult) string {
	return a.renderer.Message(tmpl, map[string]any{
		"Name":    name,
		"PID":     res.PID,
		"LogFile": filepath.Base(res.LogPath),
	}, fmt.Sprintf("%s started (PID %d)", name, res.PID))
}

func (a *API) failureMessage(err error) string {
	var admissionErr *supervisor.AdmissionError
	if errors.As(err, &admissionErr) {
		return a.renderer.Message("rejected", map[string]any{"Reason": admissionErr.Reason()}, admissionErr.Reason())
	}
	return err.Error()
}

// respondFailure writes err with its mapped status and logs server-side
// failures.
func (a *API) respondFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		a.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondErrorMessage(w, status, err, a.failureMessage(err))
}
