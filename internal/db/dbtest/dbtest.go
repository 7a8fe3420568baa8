// Package dbtest opens throwaway databases for package tests.
package dbtest

import (
	"testing"

	"github.com/zulandar/milepost/internal/db"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open creates an in-memory SQLite database with every table migrated.
// The pool is pinned to one connection: each new connection to ":memory:"
// would otherwise see an empty database.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), db.GormConfig())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("test db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}
