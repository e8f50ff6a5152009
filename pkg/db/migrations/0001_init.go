package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Tenant struct {
	ID       int64     `gorm:"type:bigint;primaryKey;autoIncrement:false"`
	Username string    `gorm:"type:text"`
	JoinedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
	LastSeen time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type Artifact struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	TenantID   int64     `gorm:"type:bigint;not null;index"`
	Username   string    `gorm:"type:text"`
	StoredName string    `gorm:"type:text;not null"`
	OrigName   string    `gorm:"type:text;not null"`
	Path       string    `gorm:"type:text;not null"`
	UploadPath string    `gorm:"type:text"`
	MainFile   string    `gorm:"type:text"`
	Kind       string    `gorm:"type:text;not null"`
	Status     string    `gorm:"type:text;not null;default:'Stopped';index"`
	PID        *int      `gorm:"column:pid;type:integer"`
	UploadedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type Run struct {
	ID         int64             `gorm:"type:bigserial;primaryKey"`
	ArtifactID int64             `gorm:"type:bigint;not null;index"`
	StartedAt  time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
	PID        int               `gorm:"column:pid;type:integer"`
	LogPath    string            `gorm:"type:text"`
	ExitCode   *int              `gorm:"type:integer"`
	ArchiveKey *string           `gorm:"type:text"`
	Meta       datatypes.JSONMap `gorm:"type:jsonb"`
	Artifact   Artifact          `gorm:"foreignKey:ArtifactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(&Tenant{}, &Artifact{}, &Run{}); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&Run{}, "Artifact") {
		if err := m.CreateConstraint(&Run{}, "Artifact"); err != nil {
			return err
		}
	}
	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Run{}, &Artifact{}, &Tenant{})
}
