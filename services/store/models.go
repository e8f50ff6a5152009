package store

import (
	"time"

	"gorm.io/datatypes"

	"scripthost/services/artifacts"
)

type tenantModel struct {
	ID       int64 `gorm:"primaryKey;autoIncrement:false"`
	Username string
	JoinedAt time.Time
	LastSeen time.Time
}

func (tenantModel) TableName() string { return "tenants" }

func (m tenantModel) toAPI() Tenant {
	return Tenant{ID: m.ID, Username: m.Username, JoinedAt: m.JoinedAt, LastSeen: m.LastSeen}
}

type artifactModel struct {
	ID         int64 `gorm:"primaryKey"`
	TenantID   int64 `gorm:"not null;index"`
	Username   string
	StoredName string `gorm:"not null"`
	OrigName   string `gorm:"not null"`
	Path       string `gorm:"not null"`
	UploadPath string
	MainFile   string
	Kind       string `gorm:"not null"`
	Status     string `gorm:"not null;default:Stopped;index"`
	PID        *int      `gorm:"column:pid"`
	UploadedAt time.Time `gorm:"not null"`
}

func (artifactModel) TableName() string { return "artifacts" }

func (m artifactModel) toAPI() Artifact {
	return Artifact{
		ID:         m.ID,
		TenantID:   m.TenantID,
		Username:   m.Username,
		StoredName: m.StoredName,
		OrigName:   m.OrigName,
		Path:       m.Path,
		UploadPath: m.UploadPath,
		MainFile:   m.MainFile,
		Kind:       artifacts.Kind(m.Kind),
		Status:     Status(m.Status),
		PID:        m.PID,
		UploadedAt: m.UploadedAt,
	}
}

func artifactFromAPI(a Artifact) artifactModel {
	status := a.Status
	if status == "" {
		status = StatusStopped
	}
	return artifactModel{
		ID:         a.ID,
		TenantID:   a.TenantID,
		Username:   a.Username,
		StoredName: a.StoredName,
		OrigName:   a.OrigName,
		Path:       a.Path,
		UploadPath: a.UploadPath,
		MainFile:   a.MainFile,
		Kind:       string(a.Kind),
		Status:     string(status),
		PID:        a.PID,
		UploadedAt: a.UploadedAt,
	}
}

type runModel struct {
	ID         int64     `gorm:"primaryKey"`
	ArtifactID int64     `gorm:"not null;index"`
	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time
	PID        int `gorm:"column:pid"`
	LogPath    string
	ExitCode   *int
	ArchiveKey *string
	Meta       datatypes.JSONMap
}

func (runModel) TableName() string { return "runs" }

func (m runModel) toAPI() Run {
	run := Run{
		ID:         m.ID,
		ArtifactID: m.ArtifactID,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		PID:        m.PID,
		LogPath:    m.LogPath,
		ExitCode:   m.ExitCode,
		ArchiveKey: m.ArchiveKey,
	}
	if len(m.Meta) > 0 {
		run.Meta = map[string]any(m.Meta)
	}
	return run
}

func runFromAPI(r Run) runModel {
	return runModel{
		ID:         r.ID,
		ArtifactID: r.ArtifactID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		PID:        r.PID,
		LogPath:    r.LogPath,
		ExitCode:   r.ExitCode,
		ArchiveKey: r.ArchiveKey,
		Meta:       datatypes.JSONMap(r.Meta),
	}
}
