package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Raw queries in scripthostctl and SetArtifactState address the pid column
// by name, so the mapping must not fall back to gorm's p_id.
func TestPIDColumnName(t *testing.T) {
	for _, model := range []any{&artifactModel{}, &runModel{}} {
		s, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
		require.NoError(t, err)
		field := s.LookUpField("PID")
		require.NotNil(t, field)
		assert.Equal(t, "pid", field.DBName, s.Table)
	}

	orm, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "schema.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := orm.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(context.Background(), orm))
	for _, model := range []any{&artifactModel{}, &runModel{}} {
		assert.True(t, orm.Migrator().HasColumn(model, "pid"))
		assert.False(t, orm.Migrator().HasColumn(model, "p_id"))
	}
}
