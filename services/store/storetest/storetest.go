// Package storetest provides a throwaway sqlite-backed store for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"scripthost/services/store"
)

// New opens a migrated store in t's temp dir and closes it on cleanup.
func New(t testing.TB) *store.Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "scripthost.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := orm.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := store.AutoMigrate(context.Background(), orm); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := store.New(orm)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}
