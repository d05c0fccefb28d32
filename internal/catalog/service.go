// Package catalog stores the definitions of playable puzzles.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultMaxGridSize bounds grid sizes when the configuration is silent.
	DefaultMaxGridSize = 8

	maxImageURLBytes = 8 << 20

	opServiceNew = "catalog.service.new"
	opCreate     = "catalog.create"
	opGet        = "catalog.get"
)

var (
	// ErrInvalidImageURL indicates an image URL that is neither http(s) nor data:image.
	ErrInvalidImageURL = errors.New("catalog: image url must be http(s) or data:image")
	// ErrInvalidGridSize indicates a grid size outside the configured bounds.
	ErrInvalidGridSize = errors.New("catalog: grid size out of range")
	// ErrInvalidDifficulty indicates an unknown difficulty label.
	ErrInvalidDifficulty = errors.New("catalog: difficulty must be easy, medium or hard")
	// ErrInvalidCreator indicates the creator username is missing.
	ErrInvalidCreator = errors.New("catalog: creator is required")
	// ErrInvalidPuzzleID indicates an empty puzzle identifier.
	ErrInvalidPuzzleID = errors.New("catalog: puzzle id is required")
	// ErrPuzzleNotFound indicates no puzzle with the requested identifier exists.
	ErrPuzzleNotFound = errors.New("catalog: puzzle not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// CreateRequest describes a new custom puzzle.
type CreateRequest struct {
	ImageURL   string
	GridSize   int
	Difficulty string
	Creator    string
}

// ServiceConfig describes the dependencies of Service.
type ServiceConfig struct {
	Database    *gorm.DB
	IDs         IDProvider
	Clock       func() time.Time
	MaxGridSize int
	Logger      *zap.Logger
}

// Service creates and looks up puzzle definitions.
type Service struct {
	db          *gorm.DB
	ids         IDProvider
	clock       func() time.Time
	maxGridSize int
	logger      *zap.Logger
}

// NewService constructs a catalog Service over a migrated database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxGridSize := cfg.MaxGridSize
	if maxGridSize <= 0 {
		maxGridSize = DefaultMaxGridSize
	}
	if maxGridSize > puzzle.MaxGridSize {
		maxGridSize = puzzle.MaxGridSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, ids: ids, clock: clock, maxGridSize: maxGridSize, logger: logger}, nil
}

// MaxGridSize reports the largest grid size Create accepts.
func (s *Service) MaxGridSize() int {
	return s.maxGridSize
}

// Create validates and stores a new puzzle definition.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Puzzle, error) {
	creator := strings.TrimSpace(request.Creator)
	if creator == "" {
		return Puzzle{}, serviceerr.New(opCreate, "invalid_creator", ErrInvalidCreator)
	}
	imageURL := strings.TrimSpace(request.ImageURL)
	if imageURL == "" || len(imageURL) > maxImageURLBytes || puzzle.ValidateImageURL(imageURL) != nil {
		return Puzzle{}, serviceerr.New(opCreate, "invalid_image_url", ErrInvalidImageURL)
	}
	if request.GridSize < puzzle.MinGridSize || request.GridSize > s.maxGridSize {
		return Puzzle{}, serviceerr.New(opCreate, "invalid_grid_size", ErrInvalidGridSize)
	}
	difficulty, ok := ParseDifficulty(request.Difficulty)
	if !ok {
		return Puzzle{}, serviceerr.New(opCreate, "invalid_difficulty", ErrInvalidDifficulty)
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Puzzle{}, serviceerr.New(opCreate, "id_generation_failed", err)
	}
	record := Puzzle{
		ID:               id,
		ImageURL:         imageURL,
		GridSize:         request.GridSize,
		Difficulty:       difficulty,
		CreatorUsername:  creator,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "persist_failed", err, zap.String("puzzle_id", id))
		return Puzzle{}, serviceerr.New(opCreate, "persist_failed", err)
	}
	return record, nil
}

// Get returns the puzzle with the given identifier.
func (s *Service) Get(ctx context.Context, puzzleID string) (Puzzle, error) {
	puzzleID = strings.TrimSpace(puzzleID)
	if puzzleID == "" {
		return Puzzle{}, serviceerr.New(opGet, "invalid_puzzle_id", ErrInvalidPuzzleID)
	}
	var record Puzzle
	err := s.db.WithContext(ctx).Where("puzzle_id = ?", puzzleID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Puzzle{}, serviceerr.New(opGet, "not_found", ErrPuzzleNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("puzzle_id", puzzleID))
		return Puzzle{}, serviceerr.New(opGet, "query_failed", err)
	}
	return record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("catalog service error", attrs...)
}
