// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"testing"

	"bossdb_rag_go_backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewTestDB returns a migrated in-memory sqlite database private to t.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.InitDB(database.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// sqlite allows one writer; a single connection keeps concurrent tests
	// deterministic but serializes their statements.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}
