package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationAdoptLegacyKeyNamespace           = "2026-10-01_adopt_legacy_key_namespace"
	migrationNormalizeNegativeLeaderboardScore = "2026-10-01_normalize_negative_leaderboard_scores"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// legacyPrefix maps an unprefixed key family of the previous deployment onto
// the current namespace.
type legacyPrefix struct {
	from string
	to   string
}

var (
	legacyEntryPrefixes = []legacyPrefix{
		{from: "jigsawdit:save:", to: "jigsaw:save:"},
		{from: "streak:", to: "jigsaw:streak:"},
		{from: "last:", to: "jigsaw:last:"},
	}
	legacySortedSetPrefixes = []legacyPrefix{
		{from: "lb:", to: "jigsaw:lb:"},
		{from: "daily:", to: "jigsaw:daily:"},
	}
)

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationAdoptLegacyKeyNamespace, apply: adoptLegacyKeyNamespace},
		{name: migrationNormalizeNegativeLeaderboardScore, apply: normalizeNegativeLeaderboardScores},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// adoptLegacyKeyNamespace moves keys written without the service prefix.
// Keys that already exist under the new name win.
func adoptLegacyKeyNamespace(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, prefix := range legacyEntryPrefixes {
			if err := tx.Exec(
				"UPDATE OR IGNORE kv_entries SET entry_key = ? || substr(entry_key, ?) WHERE substr(entry_key, 1, ?) = ?",
				prefix.to, len(prefix.from)+1, len(prefix.from), prefix.from,
			).Error; err != nil {
				return err
			}
		}
		for _, prefix := range legacySortedSetPrefixes {
			if err := tx.Exec(
				"UPDATE OR IGNORE kv_sorted_members SET set_key = ? || substr(set_key, ?) WHERE substr(set_key, 1, ?) = ?",
				prefix.to, len(prefix.from)+1, len(prefix.from), prefix.from,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// normalizeNegativeLeaderboardScores flips scores stored as negated times.
func normalizeNegativeLeaderboardScores(db *gorm.DB) error {
	return db.Exec(
		"UPDATE kv_sorted_members SET score = -score WHERE substr(set_key, 1, ?) = ? AND score < 0",
		len("jigsaw:lb:"), "jigsaw:lb:",
	).Error
}
