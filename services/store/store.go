// Package store persists tenants, artifacts, and runs through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTimeout bounds every store call.
const DefaultTimeout = 5 * time.Second

// Store is the durable record of artifacts and their runs.
type Store struct {
	orm *gorm.DB
}

// New wraps an open gorm handle.
func New(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// AutoMigrate creates the store tables on an ephemeral database. Production
// schemas are owned by the goose migrations in pkg/db/migrations.
func AutoMigrate(ctx context.Context, orm *gorm.DB) error {
	return orm.WithContext(ctx).AutoMigrate(&tenantModel{}, &artifactModel{}, &runModel{})
}

func (s *Store) db(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	return s.orm.WithContext(ctx), cancel
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return err
}

// TouchTenant records a tenant sighting, creating it on first contact.
func (s *Store) TouchTenant(ctx context.Context, id int64, username string) (Tenant, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	now := time.Now().UTC()
	model := tenantModel{ID: id, Username: username, JoinedAt: now, LastSeen: now}
	err := orm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "last_seen"}),
	}).Create(&model).Error
	if err != nil {
		return Tenant{}, err
	}

	var stored tenantModel
	if err := orm.First(&stored, "id = ?", id).Error; err != nil {
		return Tenant{}, notFound(err, "tenant %d", id)
	}
	return stored.toAPI(), nil
}

// CreateArtifact inserts a and assigns its ID.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a == nil {
		return errors.New("nil artifact")
	}
	orm, cancel := s.db(ctx)
	defer cancel()

	if a.UploadedAt.IsZero() {
		a.UploadedAt = time.Now()
	}
	a.UploadedAt = a.UploadedAt.UTC()
	model := artifactFromAPI(*a)
	if err := orm.Create(&model).Error; err != nil {
		return err
	}
	*a = model.toAPI()
	return nil
}

// GetArtifact loads an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id int64) (Artifact, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var model artifactModel
	if err := orm.First(&model, "id = ?", id).Error; err != nil {
		return Artifact{}, notFound(err, "artifact %d", id)
	}
	return model.toAPI(), nil
}

// ListArtifacts returns a tenant's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, tenantID int64) ([]Artifact, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var models []artifactModel
	if err := orm.Where("tenant_id = ?", tenantID).Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// CountArtifacts returns how many artifacts a tenant owns.
func (s *Store) CountArtifacts(ctx context.Context, tenantID int64) (int64, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var n int64
	err := orm.Model(&artifactModel{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	return n, err
}

// RunningArtifacts returns every artifact whose stored status is Running.
func (s *Store) RunningArtifacts(ctx context.Context) ([]Artifact, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var models []artifactModel
	if err := orm.Where("status = ?", string(StatusRunning)).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// SetArtifactState updates the lifecycle status and last known pid.
func (s *Store) SetArtifactState(ctx context.Context, id int64, status Status, pid *int) error {
	orm, cancel := s.db(ctx)
	defer cancel()

	res := orm.Model(&artifactModel{}).Where("id = ?", id).Updates(map[string]any{
		"status": string(status),
		"pid":    pid,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("artifact %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteArtifact removes an artifact and its run history.
func (s *Store) DeleteArtifact(ctx context.Context, id int64) error {
	orm, cancel := s.db(ctx)
	defer cancel()

	return orm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("artifact_id = ?", id).Delete(&runModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&artifactModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("artifact %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// CreateRun inserts an open run and assigns its ID.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r == nil {
		return errors.New("nil run")
	}
	orm, cancel := s.db(ctx)
	defer cancel()

	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.StartedAt = r.StartedAt.UTC()
	model := runFromAPI(*r)
	if err := orm.Create(&model).Error; err != nil {
		return err
	}
	r.ID = model.ID
	return nil
}

// CloseRun records the end of an open run. Closing twice returns ErrRunNotOpen.
func (s *Store) CloseRun(ctx context.Context, runID int64, exitCode int, finishedAt time.Time) error {
	orm, cancel := s.db(ctx)
	defer cancel()

	res := orm.Model(&runModel{}).
		Where("id = ? AND finished_at IS NULL", runID).
		Updates(map[string]any{"finished_at": finishedAt.UTC(), "exit_code": exitCode})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrRunNotOpen)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var model runModel
	if err := orm.First(&model, "id = ?", id).Error; err != nil {
		return Run{}, notFound(err, "run %d", id)
	}
	return model.toAPI(), nil
}

// LatestRun returns the most recently started run of an artifact.
func (s *Store) LatestRun(ctx context.Context, artifactID int64) (Run, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var model runModel
	err := orm.Where("artifact_id = ?", artifactID).Order("started_at DESC").Order("id DESC").First(&model).Error
	if err != nil {
		return Run{}, notFound(err, "runs for artifact %d", artifactID)
	}
	return model.toAPI(), nil
}

// ListRuns returns up to limit runs of an artifact, newest first.
func (s *Store) ListRuns(ctx context.Context, artifactID int64, limit int) ([]Run, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	q := orm.Where("artifact_id = ?", artifactID).Order("started_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []runModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// OpenRuns returns every run without a finish time.
func (s *Store) OpenRuns(ctx context.Context) ([]Run, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var models []runModel
	if err := orm.Where("finished_at IS NULL").Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// SetRunArchive stores the object key a run's log was archived under.
func (s *Store) SetRunArchive(ctx context.Context, runID int64, key string) error {
	orm, cancel := s.db(ctx)
	defer cancel()

	res := orm.Model(&runModel{}).Where("id = ?", runID).Update("archive_key", key)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return nil
}

// Stats counts distinct tenants, artifacts, and running artifacts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	orm, cancel := s.db(ctx)
	defer cancel()

	var st Stats
	if err := orm.Model(&artifactModel{}).Distinct("tenant_id").Count(&st.Tenants).Error; err != nil {
		return Stats{}, err
	}
	if err := orm.Model(&artifactModel{}).Count(&st.Artifacts).Error; err != nil {
		return Stats{}, err
	}
	if err := orm.Model(&artifactModel{}).Where("status = ?", string(StatusRunning)).Count(&st.Running).Error; err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Ping checks that the underlying database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.orm.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
