package store

import (
	"errors"
	"time"

	"scripthost/services/artifacts"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRunNotOpen is returned when closing a run that is already closed.
	ErrRunNotOpen = errors.New("run is not open")
)

// Status is the lifecycle state of an Artifact.
type Status string

const (
	StatusStopped Status = "Stopped"
	StatusRunning Status = "Running"
)

// Tenant is a front-end user that owns artifacts.
type Tenant struct {
	ID       int64     `json:"id" db:"id"`
	Username string    `json:"username" db:"username"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
	LastSeen time.Time `json:"last_seen" db:"last_seen"`
}

// Artifact is one uploaded unit of user code.
type Artifact struct {
	ID         int64          `json:"id" db:"id"`
	TenantID   int64          `json:"tenant_id" db:"tenant_id"`
	Username   string         `json:"username" db:"username"`
	StoredName string         `json:"stored_name" db:"stored_name"`
	OrigName   string         `json:"orig_name" db:"orig_name"`
	Path       string         `json:"path" db:"path"`
	UploadPath string         `json:"-" db:"upload_path"`
	MainFile   string         `json:"main_file,omitempty" db:"main_file"`
	Kind       artifacts.Kind `json:"kind" db:"kind"`
	Status     Status         `json:"status" db:"status"`
	PID        *int           `json:"pid,omitempty" db:"pid"`
	UploadedAt time.Time      `json:"uploaded_at" db:"uploaded_at"`
}

// Run is one execution attempt of an Artifact.
type Run struct {
	ID         int64          `json:"id" db:"id"`
	ArtifactID int64          `json:"artifact_id" db:"artifact_id"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	PID        int            `json:"pid" db:"pid"`
	LogPath    string         `json:"log_path" db:"log_path"`
	ExitCode   *int           `json:"exit_code,omitempty" db:"exit_code"`
	ArchiveKey *string        `json:"archive_key,omitempty" db:"archive_key"`
	Meta       map[string]any `json:"meta,omitempty" db:"meta"`
}

// Open reports whether the run has not been closed yet.
func (r Run) Open() bool { return r.FinishedAt == nil }

// Stats aggregates artifact counts across all tenants.
type Stats struct {
	Tenants   int64 `json:"tenants" db:"tenants"`
	Artifacts int64 `json:"artifacts" db:"artifacts"`
	Running   int64 `json:"running" db:"running"`
}
