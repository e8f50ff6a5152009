package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"scripthost/pkg/render"
	"scripthost/services/hosting"
	"scripthost/services/store"
	"scripthost/services/supervisor"
)

const (
	// DefaultMaxUploadBytes bounds multipart upload bodies.
	DefaultMaxUploadBytes = 50 << 20
	// DefaultRequestTimeout applies to routes that never install packages.
	DefaultRequestTimeout = 60 * time.Second
)

// Service is the hosting surface exposed over HTTP.
type Service interface {
	Touch(ctx context.Context, tenantID int64, username string) (hosting.TenantView, error)
	Upload(ctx context.Context, req hosting.UploadRequest) (hosting.UploadResult, error)
	List(ctx context.Context, tenantID int64) ([]hosting.ArtifactView, error)
	Get(ctx context.Context, tenantID, id int64) (hosting.ArtifactView, error)
	Start(ctx context.Context, tenantID, id int64) (supervisor.StartResult, error)
	Stop(ctx context.Context, tenantID, id int64) (supervisor.StopResult, error)
	Restart(ctx context.Context, tenantID, id int64) (supervisor.StartResult, error)
	Delete(ctx context.Context, tenantID, id int64) error
	Logs(ctx context.Context, tenantID, id int64, lines int) (string, error)
	Runs(ctx context.Context, tenantID, id int64, limit int) ([]store.Run, error)
	RunArchiveURL(ctx context.Context, tenantID, id, runID int64) (string, error)
	SystemStatus(ctx context.Context) hosting.SystemStatus
	Stats(ctx context.Context) (hosting.Stats, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	MaxUploadBytes     int64
	// RequestTimeout bounds every route except upload, start and restart,
	// whose dependency installs carry their own per-package bound.
	RequestTimeout time.Duration
}

// API wires the hosting service and the message renderer into HTTP handlers.
type API struct {
	svc      Service
	renderer *render.Engine
	config   Config
	logger   zerolog.Logger
	ready    func(context.Context) error
}

// Option customises an API.
type Option func(*API)

// WithLogger sets the handler logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithReadiness sets the probe behind /readyz.
func WithReadiness(check func(context.Context) error) Option {
	return func(a *API) { a.ready = check }
}

// New initialises the API layer with defaults applied to cfg.
func New(svc Service, renderer *render.Engine, cfg Config, opts ...Option) (*API, error) {
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 100
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	a := &API{svc: svc, renderer: renderer, config: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}
