package players

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "players.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Player{}); err != nil {
		t.Fatalf("failed to migrate player schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveQualifiesForeignProviders(t *testing.T) {
	service, db := newTestService(t, func() time.Time { return time.Unix(1, 0) })

	claims := auth.SessionClaims{
		UserID:      "reddit:t2_12345",
		Username:    "puzzler",
		DisplayName: "Puzzle Fan",
	}
	player, err := service.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if player.UserID != "reddit:t2_12345" || player.Provider != "reddit" || player.Subject != "t2_12345" {
		t.Fatalf("expected provider-qualified canonical user id, got %+v", player)
	}

	// second call should hit cache and not create a duplicate record.
	player, err = service.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if player.UserID != "reddit:t2_12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", player.UserID)
	}
	var count int64
	if err := db.Model(&Player{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one player record, got %d", count)
	}
}

func TestResolveRefreshesRenamedPlayers(t *testing.T) {
	now := time.Unix(100, 0)
	service, db := newTestService(t, func() time.Time { return now })

	claims := auth.SessionClaims{Username: "old-name"}
	claims.Subject = "user-7"
	if _, err := service.Resolve(context.Background(), claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	now = time.Unix(200, 0)
	claims.Username = "new-name"
	player, err := service.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve after rename failed: %v", err)
	}
	if player.Username != "new-name" || player.UserID != "user-7" || player.Provider != "host" {
		t.Fatalf("unexpected player after rename: %+v", player)
	}

	var stored Player
	if err := db.Where("provider = ? AND subject = ?", "host", "user-7").First(&stored).Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Username != "new-name" || !stored.LastSeenAt.Equal(now) {
		t.Fatalf("expected stored rename and last seen refresh, got %+v", stored)
	}
}

func TestResolveRejectsIncompleteClaims(t *testing.T) {
	service, _ := newTestService(t, nil)

	if _, err := service.Resolve(context.Background(), auth.SessionClaims{Username: "puzzler"}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity for missing subject, got %v", err)
	}
	if _, err := service.Resolve(context.Background(), auth.SessionClaims{UserID: "user-1"}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity for missing username, got %v", err)
	}
}

func TestResolveKeepsProvidersApart(t *testing.T) {
	service, _ := newTestService(t, nil)

	foreign, err := service.Resolve(context.Background(), auth.SessionClaims{UserID: "reddit:42", Username: "alice"})
	if err != nil {
		t.Fatalf("resolve foreign login failed: %v", err)
	}
	host, err := service.Resolve(context.Background(), auth.SessionClaims{UserID: "host:42", Username: "bob"})
	if err != nil {
		t.Fatalf("resolve host login failed: %v", err)
	}
	if foreign.UserID == host.UserID {
		t.Fatalf("expected distinct canonical ids, both resolved to %q", host.UserID)
	}
	if host.UserID != "42" {
		t.Fatalf("expected host login to keep bare subject, got %q", host.UserID)
	}

	bare, err := service.Resolve(context.Background(), auth.SessionClaims{UserID: "42", Username: "bob"})
	if err != nil {
		t.Fatalf("resolve bare login failed: %v", err)
	}
	if bare.UserID != host.UserID {
		t.Fatalf("expected bare subject to match host login, got %q and %q", bare.UserID, host.UserID)
	}
}
