// Package leaderboard ranks best completion times per puzzle.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/serviceerr"
	"go.uber.org/zap"
)

const (
	// DefaultLimit is the number of entries returned when no limit is given.
	DefaultLimit = 5
	// MaxLimit caps a single Top read.
	MaxLimit = 100

	keyPrefix = "jigsaw:lb"

	opServiceNew = "leaderboard.service.new"
	opSubmit     = "leaderboard.submit"
	opTop        = "leaderboard.top"
)

var (
	// ErrInvalidPuzzleID indicates an empty puzzle identifier.
	ErrInvalidPuzzleID = errors.New("leaderboard: puzzle id is required")
	// ErrInvalidUsername indicates an empty username.
	ErrInvalidUsername = errors.New("leaderboard: username is required")
	// ErrInvalidTime indicates a negative completion time.
	ErrInvalidTime = errors.New("leaderboard: time must be a non-negative number of seconds")

	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

// Entry is one ranked best time.
type Entry struct {
	Rank        int
	Username    string
	TimeSeconds int64
	CompletedAt time.Time
}

// SubmitResult reports whether a submission replaced the stored best.
type SubmitResult struct {
	Improved    bool
	BestSeconds int64
}

// ChangeNotifier is told when a puzzle's ranking changes.
type ChangeNotifier interface {
	LeaderboardChanged(puzzleID string)
}

// ServiceConfig describes the dependencies of Service.
type ServiceConfig struct {
	Store    kvstore.Store
	Clock    func() time.Time
	Logger   *zap.Logger
	Notifier ChangeNotifier
}

// Service maintains per-puzzle best-time rankings. A member's stored time is
// only ever replaced by a strictly lower one.
type Service struct {
	store    kvstore.Store
	clock    func() time.Time
	logger   *zap.Logger
	notifier ChangeNotifier
}

// NewService constructs a leaderboard Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, serviceerr.New(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, clock: clock, logger: logger, notifier: cfg.Notifier}, nil
}

// Submit records a completion time, keeping the user's best.
func (s *Service) Submit(ctx context.Context, puzzleID, username string, timeSeconds int64) (SubmitResult, error) {
	puzzleID = strings.TrimSpace(puzzleID)
	username = strings.TrimSpace(username)
	if puzzleID == "" {
		return SubmitResult{}, serviceerr.New(opSubmit, "invalid_puzzle_id", ErrInvalidPuzzleID)
	}
	if username == "" {
		return SubmitResult{}, serviceerr.New(opSubmit, "invalid_username", ErrInvalidUsername)
	}
	if timeSeconds < 0 {
		return SubmitResult{}, serviceerr.New(opSubmit, "invalid_time", ErrInvalidTime)
	}

	key := rankingKey(puzzleID)
	completedAt := s.clock().UTC()
	var result SubmitResult
	err := s.store.Atomic(ctx, func(tx kvstore.Store) error {
		current, found, err := tx.ZScore(ctx, key, username)
		if err != nil {
			return err
		}
		if found && int64(current) <= timeSeconds {
			result = SubmitResult{Improved: false, BestSeconds: int64(current)}
			return nil
		}
		if err := tx.ZAdd(ctx, key, username, float64(timeSeconds)); err != nil {
			return err
		}
		if err := tx.Set(ctx, completedAtKey(puzzleID, username), completedAt.Format(time.RFC3339), 0); err != nil {
			return err
		}
		result = SubmitResult{Improved: true, BestSeconds: timeSeconds}
		return nil
	})
	if err != nil {
		s.logError(opSubmit, "store_unavailable", err,
			zap.String("puzzle_id", puzzleID),
			zap.String("username", username))
		return SubmitResult{}, serviceerr.New(opSubmit, "store_unavailable", err)
	}

	if result.Improved && s.notifier != nil {
		s.notifier.LeaderboardChanged(puzzleID)
	}
	return result, nil
}

// Top returns up to limit entries ordered by ascending time. Equal times keep
// submission order. A non-positive limit means DefaultLimit.
func (s *Service) Top(ctx context.Context, puzzleID string, limit int) ([]Entry, error) {
	puzzleID = strings.TrimSpace(puzzleID)
	if puzzleID == "" {
		return nil, serviceerr.New(opTop, "invalid_puzzle_id", ErrInvalidPuzzleID)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	members, err := s.store.ZRange(ctx, rankingKey(puzzleID), 0, int64(limit-1), kvstore.RangeOptions{})
	if err != nil {
		s.logError(opTop, "store_unavailable", err, zap.String("puzzle_id", puzzleID))
		return nil, serviceerr.New(opTop, "store_unavailable", err)
	}

	entries := make([]Entry, 0, len(members))
	for index, member := range members {
		entry := Entry{
			Rank:        index + 1,
			Username:    member.Member,
			TimeSeconds: int64(member.Score),
		}
		raw, found, err := s.store.Get(ctx, completedAtKey(puzzleID, member.Member))
		if err != nil {
			s.logError(opTop, "store_unavailable", err, zap.String("puzzle_id", puzzleID))
			return nil, serviceerr.New(opTop, "store_unavailable", err)
		}
		if found {
			if parsed, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
				entry.CompletedAt = parsed
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func rankingKey(puzzleID string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, url.QueryEscape(puzzleID))
}

func completedAtKey(puzzleID, username string) string {
	return fmt.Sprintf("%s:%s:completed:%s", keyPrefix, url.QueryEscape(puzzleID), url.QueryEscape(username))
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
	s.logger.Error("leaderboard service error", attrs...)
}
