package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions carries the handlers mounted next to the API.
type RouterOptions struct {
	// Middleware wraps every route, outermost first.
	Middleware []func(http.Handler) http.Handler
	// Gatherer backs /metrics. The default registry is used when nil.
	Gatherer prometheus.Gatherer
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes(opts RouterOptions) (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	for _, mw := range opts.Middleware {
		r.Use(mw)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	timeout := middleware.Timeout(a.config.RequestTimeout)

	// Upload, start and restart stay unbounded: dependency installs carry
	// their own per-package timeout.
	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.RateLimitPerMinute, time.Minute))

		r.With(timeout).Get("/system/status", a.handleSystemStatus)
		r.With(timeout).Get("/system/stats", a.handleSystemStats)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			bounded := r.With(timeout)
			bounded.Put("/", a.handleTouchTenant)
			r.Post("/artifacts", a.handleUpload)
			bounded.Get("/artifacts", a.handleListArtifacts)

			r.Route("/artifacts/{id}", func(r chi.Router) {
				bounded := r.With(timeout)
				bounded.Get("/", a.handleGetArtifact)
				bounded.Delete("/", a.handleDeleteArtifact)
				r.Post("/start", a.handleStart)
				bounded.Post("/stop", a.handleStop)
				r.Post("/restart", a.handleRestart)
				bounded.Get("/logs", a.handleLogs)
				bounded.Get("/runs", a.handleRuns)
				bounded.Get("/runs/{run}/archive", a.handleRunArchive)
			})
		})
	})

	return r, nil
}
