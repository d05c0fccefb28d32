package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsAdoptsLegacyKeys(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	entries := []kvstore.Entry{
		{Key: "jigsawdit:save:t3_post:t2_user", Value: `{"pieces":[]}`},
		{Key: "streak:alice", Value: "4"},
		{Key: "last:alice", Value: "2026-09-30"},
		{Key: "jigsaw:streak:bob", Value: "2"},
		{Key: "streak:bob", Value: "9"},
	}
	if err := database.Create(&entries).Error; err != nil {
		testContext.Fatalf("failed to insert entries: %v", err)
	}
	members := []kvstore.SortedMember{
		{SetKey: "lb:t3_post", Member: "alice", Score: -75},
		{SetKey: "daily:2026-09-30", Member: "alice", Score: 4},
	}
	if err := database.Create(&members).Error; err != nil {
		testContext.Fatalf("failed to insert members: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expectedValues := map[string]string{
		"jigsaw:save:t3_post:t2_user": `{"pieces":[]}`,
		"jigsaw:streak:alice":         "4",
		"jigsaw:last:alice":           "2026-09-30",
		"jigsaw:streak:bob":           "2",
	}
	for key, value := range expectedValues {
		var stored kvstore.Entry
		if err := database.Where("entry_key = ?", key).Take(&stored).Error; err != nil {
			testContext.Fatalf("expected %s to exist: %v", key, err)
		}
		if stored.Value != value {
			testContext.Fatalf("unexpected value for %s: %q", key, stored.Value)
		}
	}

	var leaderboard kvstore.SortedMember
	if err := database.Where("set_key = ? AND member = ?", "jigsaw:lb:t3_post", "alice").Take(&leaderboard).Error; err != nil {
		testContext.Fatalf("expected migrated leaderboard member: %v", err)
	}
	if leaderboard.Score != 75 {
		testContext.Fatalf("expected negated score to be flipped, got %v", leaderboard.Score)
	}

	var daily kvstore.SortedMember
	if err := database.Where("set_key = ?", "jigsaw:daily:2026-09-30").Take(&daily).Error; err != nil {
		testContext.Fatalf("expected migrated daily member: %v", err)
	}
	if daily.Score != 4 {
		testContext.Fatalf("daily scores must not be flipped, got %v", daily.Score)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	member := kvstore.SortedMember{SetKey: "jigsaw:lb:puzzle-1", Member: "bob", Score: -10}
	if err := database.Create(&member).Error; err != nil {
		testContext.Fatalf("failed to insert member: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var stored kvstore.SortedMember
	if err := database.Where("member = ?", "bob").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload member: %v", err)
	}
	if stored.Score != -10 {
		testContext.Fatalf("expected applied migrations to be skipped, got %v", stored.Score)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to list migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected two migration records, got %d", len(records))
	}
	for _, record := range records {
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", record.Name)
		}
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "jigsaw.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"kv_entries", "kv_sorted_members", "puzzles", "players", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
