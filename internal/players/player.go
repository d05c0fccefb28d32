package players

import (
	"strings"
	"time"
)

// Player maps a host platform login to a canonical player id and remembers the
// username it was last seen with.
type Player struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Username    string    `gorm:"column:username;size:190;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing player records.
func (Player) TableName() string {
	return "players"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
