package catalog

import (
	"strings"
	"time"
)

// Difficulty is the label a creator attaches to a custom puzzle.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty normalizes a difficulty label. An empty label means medium.
func ParseDifficulty(raw string) (Difficulty, bool) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return DifficultyMedium, true
	case DifficultyEasy:
		return DifficultyEasy, true
	case DifficultyMedium:
		return DifficultyMedium, true
	case DifficultyHard:
		return DifficultyHard, true
	default:
		return "", false
	}
}

// Puzzle is a playable puzzle definition.
type Puzzle struct {
	ID               string     `gorm:"column:puzzle_id;primaryKey;size:64;not null"`
	ImageURL         string     `gorm:"column:image_url;type:text;not null"`
	GridSize         int        `gorm:"column:grid_size;not null"`
	Difficulty       Difficulty `gorm:"column:difficulty;size:16;not null"`
	CreatorUsername  string     `gorm:"column:creator_username;size:190;not null;index"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Puzzle) TableName() string {
	return "puzzles"
}

// CreatedAt returns the creation time in UTC.
func (p Puzzle) CreatedAt() time.Time {
	return time.Unix(p.CreatedAtSeconds, 0).UTC()
}
