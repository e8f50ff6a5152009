// Package hosting implements the tenant-facing operations of scripthost on
// top of the store and the supervisor: uploads, listings, process control,
// deletion, logs, and host views.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"scripthost/services/admission"
	"scripthost/services/store"
	"scripthost/services/supervisor"
)

var (
	// ErrQuotaExceeded is matched by *QuotaError.
	ErrQuotaExceeded = errors.New("file limit reached")
	// ErrAccessDenied is returned when a tenant addresses another tenant's artifact.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidName is returned for uploads without a usable file name.
	ErrInvalidName = errors.New("invalid file name")
	// ErrArchiveUnavailable is returned when a run log has not been archived.
	ErrArchiveUnavailable = errors.New("run log is not archived")
)

// QuotaError reports the per-tenant artifact limit that was hit.
type QuotaError struct {
	Max int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s (%d)", ErrQuotaExceeded, e.Max)
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// MaxLogChars bounds the log text handed to the front end.
const MaxLogChars = 4000

const truncatedPrefix = "... (truncated) ...\n"

// DefaultArchiveURLTTL is the lifetime of presigned archive links.
const DefaultArchiveURLTTL = 15 * time.Minute

// Supervisor is the process control surface hosting drives.
type Supervisor interface {
	Start(ctx context.Context, id int64) (supervisor.StartResult, error)
	Stop(ctx context.Context, id int64) (supervisor.StopResult, error)
	Restart(ctx context.Context, id int64) (supervisor.StartResult, error)
	Logs(ctx context.Context, id int64, maxLines int) string
	IsRunning(id int64) bool
	LiveCount() int
	Thresholds() admission.Thresholds
	Sample(ctx context.Context) (admission.Sample, error)
}

// Store is the durable state hosting reads and writes.
type Store interface {
	TouchTenant(ctx context.Context, id int64, username string) (store.Tenant, error)
	CreateArtifact(ctx context.Context, a *store.Artifact) error
	GetArtifact(ctx context.Context, id int64) (store.Artifact, error)
	ListArtifacts(ctx context.Context, tenantID int64) ([]store.Artifact, error)
	CountArtifacts(ctx context.Context, tenantID int64) (int64, error)
	DeleteArtifact(ctx context.Context, id int64) error
	ListRuns(ctx context.Context, artifactID int64, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id int64) (store.Run, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Presigner issues time-limited object URLs.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Config holds the filesystem layout and limits.
type Config struct {
	UploadsDir        string
	TempDir           string
	MaxFilesPerTenant int
	ArchiveBucket     string
	ArchiveURLTTL     time.Duration
}

// Service implements the hosting operations.
type Service struct {
	cfg     Config
	store   Store
	sup     Supervisor
	presign Presigner
	logger  zerolog.Logger
	started time.Time
	now     func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithPresigner enables archive links.
func WithPresigner(p Presigner) Option {
	return func(s *Service) { s.presign = p }
}

// WithClock overrides the time source used for stored names and uptime.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a Service.
func New(cfg Config, st Store, sup Supervisor, opts ...Option) (*Service, error) {
	if st == nil || sup == nil {
		return nil, errors.New("hosting: store and supervisor are required")
	}
	if cfg.UploadsDir == "" || cfg.TempDir == "" {
		return nil, errors.New("hosting: uploads and temp dirs are required")
	}
	if cfg.MaxFilesPerTenant <= 0 {
		cfg.MaxFilesPerTenant = 3
	}
	if cfg.ArchiveURLTTL <= 0 {
		cfg.ArchiveURLTTL = DefaultArchiveURLTTL
	}
	s := &Service{cfg: cfg, store: st, sup: sup, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s, nil
}

// MaxFilesPerTenant returns the upload quota.
func (s *Service) MaxFilesPerTenant() int { return s.cfg.MaxFilesPerTenant }

// TenantView is a tenant together with its quota usage.
type TenantView struct {
	store.Tenant
	Files    int64 `json:"files"`
	MaxFiles int   `json:"max_files"`
}

// Touch records a tenant sighting and reports its quota usage.
func (s *Service) Touch(ctx context.Context, tenantID int64, username string) (TenantView, error) {
	tenant, err := s.store.TouchTenant(ctx, tenantID, username)
	if err != nil {
		return TenantView{}, err
	}
	n, err := s.store.CountArtifacts(ctx, tenantID)
	if err != nil {
		return TenantView{}, err
	}
	return TenantView{Tenant: tenant, Files: n, MaxFiles: s.cfg.MaxFilesPerTenant}, nil
}

// ArtifactView is an artifact with its live status.
type ArtifactView struct {
	store.Artifact
	Running bool `json:"running"`
}

func (s *Service) view(a store.Artifact) ArtifactView {
	return ArtifactView{Artifact: a, Running: s.sup.IsRunning(a.ID)}
}

// List returns a tenant's artifacts, newest first.
func (s *Service) List(ctx context.Context, tenantID int64) ([]ArtifactView, error) {
	list, err := s.store.ListArtifacts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]ArtifactView, 0, len(list))
	for _, a := range list {
		out = append(out, s.view(a))
	}
	return out, nil
}

// Get loads an artifact owned by tenantID.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (ArtifactView, error) {
	a, err := s.owned(ctx, tenantID, id)
	if err != nil {
		return ArtifactView{}, err
	}
	return s.view(a), nil
}

func (s *Service) owned(ctx context.Context, tenantID, id int64) (store.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return store.Artifact{}, err
	}
	if a.TenantID != tenantID {
		return store.Artifact{}, fmt.Errorf("artifact %d: %w", id, ErrAccessDenied)
	}
	return a, nil
}

// Start starts an owned artifact.
func (s *Service) Start(ctx context.Context, tenantID, id int64) (supervisor.StartResult, error) {
	if _, err := s.owned(ctx, tenantID, id); err != nil {
		return supervisor.StartResult{}, err
	}
	return s.sup.Start(ctx, id)
}

// Stop stops an owned artifact.
func (s *Service) Stop(ctx context.Context, tenantID, id int64) (supervisor.StopResult, error) {
	if _, err := s.owned(ctx, tenantID, id); err != nil {
		return supervisor.StopResult{}, err
	}
	return s.sup.Stop(ctx, id)
}

// Restart restarts an owned artifact.
func (s *Service) Restart(ctx context.Context, tenantID, id int64) (supervisor.StartResult, error) {
	if _, err := s.owned(ctx, tenantID, id); err != nil {
		return supervisor.StartResult{}, err
	}
	return s.sup.Restart(ctx, id)
}

// Logs returns the log tail of an owned artifact, cut to MaxLogChars.
func (s *Service) Logs(ctx context.Context, tenantID, id int64, lines int) (string, error) {
	if _, err := s.owned(ctx, tenantID, id); err != nil {
		return "", err
	}
	return truncateLog(s.sup.Logs(ctx, id, lines)), nil
}

func truncateLog(text string) string {
	if len(text) <= MaxLogChars {
		return text
	}
	cut := len(text) - MaxLogChars
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return truncatedPrefix + text[cut:]
}

// Runs returns the run history of an owned artifact, newest first.
func (s *Service) Runs(ctx context.Context, tenantID, id int64, limit int) ([]store.Run, error) {
	if _, err := s.owned(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, id, limit)
}

// RunArchiveURL returns a presigned link to an archived run log.
func (s *Service) RunArchiveURL(ctx context.Context, tenantID, id, runID int64) (string, error) {
	if _, err := s.owned(ctx, tenantID, id); err != nil {
		return "", err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.ArtifactID != id {
		return "", fmt.Errorf("run %d: %w", runID, store.ErrNotFound)
	}
	if run.ArchiveKey == nil || s.presign == nil {
		return "", ErrArchiveUnavailable
	}
	return s.presign.PresignGet(ctx, s.cfg.ArchiveBucket, *run.ArchiveKey, s.cfg.ArchiveURLTTL)
}

// SystemStatus is the host view shown to tenants.
type SystemStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LiveJobs      int     `json:"live_jobs"`
	MaxJobs       int     `json:"max_jobs"`
	Uptime        string  `json:"uptime"`
}

// SystemStatus samples the host. A failed sample reports zero load.
func (s *Service) SystemStatus(ctx context.Context) SystemStatus {
	sample, err := s.sup.Sample(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("sample host load")
	}
	return SystemStatus{
		CPUPercent:    sample.CPUPercent,
		MemoryPercent: sample.MemoryPercent,
		LiveJobs:      s.sup.LiveCount(),
		MaxJobs:       s.sup.Thresholds().MaxJobs,
		Uptime:        FormatUptime(s.now().Sub(s.started)),
	}
}

// FormatUptime renders d as "{days}d {hours}h {minutes}m".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}

// Stats is the aggregate view across all tenants.
type Stats struct {
	store.Stats
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Stats counts tenants, artifacts, and running artifacts alongside host load.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	sample, err := s.sup.Sample(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("sample host load")
	}
	return Stats{Stats: st, CPUPercent: sample.CPUPercent, MemoryPercent: sample.MemoryPercent}, nil
}
