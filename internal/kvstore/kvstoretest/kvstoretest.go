// Package kvstoretest builds throwaway SQL-backed stores for tests.
package kvstoretest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewStore opens a file-backed sqlite database under t.TempDir, migrates the
// store schema, and returns a store reading time from clock (nil means time.Now).
func NewStore(t testing.TB, clock func() time.Time) *kvstore.SQLStore {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kv.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(kvstore.Models()...); err != nil {
		t.Fatalf("failed to migrate store schema: %v", err)
	}
	store, err := kvstore.NewSQLStore(kvstore.SQLStoreConfig{Database: database, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}
