package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/serviceerr"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sequenceIDs struct {
	next int
	err  error
}

func (s *sequenceIDs) NewID() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.next++
	return "puzzle-" + string(rune('a'+s.next-1)), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Puzzle{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestService(t *testing.T, ids IDProvider) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:    openTestDatabase(t),
		IDs:         ids,
		Clock:       func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
		MaxGridSize: 5,
	})
	require.NoError(t, err)
	return service
}

func TestCreateAndGetPuzzle(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	ctx := context.Background()

	created, err := service.Create(ctx, CreateRequest{
		ImageURL:   " https://images.example.com/lighthouse.jpg ",
		GridSize:   4,
		Difficulty: "Hard",
		Creator:    "alice",
	})
	require.NoError(t, err)
	require.Equal(t, "puzzle-a", created.ID)
	require.Equal(t, "https://images.example.com/lighthouse.jpg", created.ImageURL)
	require.Equal(t, DifficultyHard, created.Difficulty)
	require.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), created.CreatedAt())

	loaded, err := service.Get(ctx, "puzzle-a")
	require.NoError(t, err)
	require.Equal(t, created, loaded)
}

func TestCreateDefaultsToMediumDifficulty(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})

	created, err := service.Create(context.Background(), CreateRequest{
		ImageURL: "data:image/png;base64,iVBORw0KGgo=",
		GridSize: 3,
		Creator:  "bob",
	})
	require.NoError(t, err)
	require.Equal(t, DifficultyMedium, created.Difficulty)
}

func TestCreateIssuesUUIDsByDefault(t *testing.T) {
	service := newTestService(t, nil)

	created, err := service.Create(context.Background(), CreateRequest{
		ImageURL: "https://images.example.com/a.png",
		GridSize: 3,
		Creator:  "carol",
	})
	require.NoError(t, err)
	require.Len(t, created.ID, 36)
}

func TestCreateValidation(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})
	valid := CreateRequest{ImageURL: "https://images.example.com/a.png", GridSize: 3, Difficulty: "easy", Creator: "alice"}

	testCases := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{name: "missing-creator", mutate: func(r *CreateRequest) { r.Creator = " " }, want: ErrInvalidCreator},
		{name: "ftp-image", mutate: func(r *CreateRequest) { r.ImageURL = "ftp://images.example.com/a.png" }, want: ErrInvalidImageURL},
		{name: "relative-image", mutate: func(r *CreateRequest) { r.ImageURL = "/a.png" }, want: ErrInvalidImageURL},
		{name: "grid-too-small", mutate: func(r *CreateRequest) { r.GridSize = 1 }, want: ErrInvalidGridSize},
		{name: "grid-over-configured-max", mutate: func(r *CreateRequest) { r.GridSize = 6 }, want: ErrInvalidGridSize},
		{name: "unknown-difficulty", mutate: func(r *CreateRequest) { r.Difficulty = "nightmare" }, want: ErrInvalidDifficulty},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := valid
			testCase.mutate(&request)
			_, err := service.Create(context.Background(), request)
			require.ErrorIs(t, err, testCase.want)
		})
	}

	var count int64
	require.NoError(t, service.db.Model(&Puzzle{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreateSurfacesIDFailures(t *testing.T) {
	idErr := errors.New("entropy exhausted")
	service := newTestService(t, &sequenceIDs{err: idErr})

	_, err := service.Create(context.Background(), CreateRequest{
		ImageURL: "https://images.example.com/a.png",
		GridSize: 3,
		Creator:  "alice",
	})
	require.ErrorIs(t, err, idErr)
	var serviceErr *serviceerr.Error
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "catalog.create.id_generation_failed", serviceErr.Code())
}

func TestGetUnknownPuzzle(t *testing.T) {
	service := newTestService(t, &sequenceIDs{})

	_, err := service.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrPuzzleNotFound)

	_, err = service.Get(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidPuzzleID)
}

func TestMaxGridSizeIsClamped(t *testing.T) {
	service, err := NewService(ServiceConfig{Database: openTestDatabase(t), MaxGridSize: 99})
	require.NoError(t, err)
	require.Equal(t, 12, service.MaxGridSize())

	service, err = NewService(ServiceConfig{Database: openTestDatabase(t)})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxGridSize, service.MaxGridSize())
}
