// Package players keeps canonical player records for host platform sessions.
package players

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/auth"
	"gorm.io/gorm"
)

const defaultProvider = "host"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("players: invalid identity")

// ServiceConfig describes the dependencies required for player resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims to canonical player ids.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the player service over a migrated database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("players: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Resolve returns the player for the session claims, creating the record on
// first sight and refreshing the username when the host reports a new one.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (Player, error) {
	provider, subject := deriveProviderSubject(claims)
	username := normalize(claims.Username)
	if subject == "" || username == "" {
		return Player{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if player, ok := cached.(Player); ok && player.Username == username {
			return player, nil
		}
	}

	var player Player
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&player).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		player = Player{
			Provider:    provider,
			Subject:     subject,
			UserID:      canonicalUserID(provider, subject),
			Username:    username,
			DisplayName: normalize(claims.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&player).Error; err != nil {
			return Player{}, err
		}
	case err != nil:
		return Player{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if username != player.Username {
			updates["username"] = username
			player.Username = username
		}
		if display := normalize(claims.DisplayName); display != "" && display != player.DisplayName {
			updates["display_name"] = display
			player.DisplayName = display
		}
		if err := s.db.WithContext(ctx).Model(&Player{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			return Player{}, err
		}
		player.LastSeenAt = updates["last_seen_at"].(time.Time)
	}

	s.cache.Store(cacheKey, player)
	return player, nil
}

// canonicalUserID keeps bare subjects for host logins and qualifies every
// other provider, so two providers reusing a subject never share an id.
func canonicalUserID(provider, subject string) string {
	if provider == defaultProvider {
		return subject
	}
	return provider + ":" + subject
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}
	return provider, subject
}
