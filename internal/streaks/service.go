// Package streaks tracks consecutive-day play per user and daily participation.
package streaks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/serviceerr"
	"go.uber.org/zap"
)

// DateLayout formats calendar dates as ISO YYYY-MM-DD.
const DateLayout = time.DateOnly

const (
	keyPrefix = "jigsaw"

	opServiceNew   = "streaks.service.new"
	opUpdate       = "streaks.update"
	opCurrent      = "streaks.current"
	opDailyPlayers = "streaks.daily_players"
)

var (
	// ErrInvalidUsername indicates an empty username.
	ErrInvalidUsername = errors.New("streaks: username is required")
	// ErrInvalidDate indicates a date that is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("streaks: date must be YYYY-MM-DD")

	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

// Record is a user's streak state. LastPlayedDate is empty until the first play.
type Record struct {
	Username       string
	LastPlayedDate string
	CurrentStreak  int
}

// ServiceConfig describes the dependencies of Service.
type ServiceConfig struct {
	Store  kvstore.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service updates streaks at most once per user per UTC calendar day.
type Service struct {
	store  kvstore.Store
	clock  func() time.Time
	logger *zap.Logger
	locks  *keyedMutex
}

// NewService constructs a streak Service.
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
	return &Service{store: cfg.Store, clock: clock, logger: logger, locks: newKeyedMutex()}, nil
}

// Today returns the server's current calendar date.
func (s *Service) Today() string {
	return s.clock().UTC().Format(DateLayout)
}

// Update records a play for today. Repeat plays on the same day leave the
// streak unchanged; a play the day after the last one extends it; anything
// else restarts it at 1. Updates for one user are serialized and the three
// writes commit together.
func (s *Service) Update(ctx context.Context, username string) (Record, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Record{}, serviceerr.New(opUpdate, "invalid_username", ErrInvalidUsername)
	}

	unlock := s.locks.Lock(username)
	defer unlock()

	today := s.Today()
	record := Record{Username: username}
	err := s.store.Atomic(ctx, func(tx kvstore.Store) error {
		current, err := readRecord(ctx, tx, username)
		if err != nil {
			return err
		}
		record = advance(current, today)
		if err := tx.Set(ctx, lastPlayedKey(username), record.LastPlayedDate, 0); err != nil {
			return err
		}
		if err := tx.Set(ctx, streakKey(username), strconv.Itoa(record.CurrentStreak), 0); err != nil {
			return err
		}
		return tx.ZAdd(ctx, dailyKey(today), username, float64(record.CurrentStreak))
	})
	if err != nil {
		s.logError(opUpdate, "store_unavailable", err, zap.String("username", username))
		return Record{}, serviceerr.New(opUpdate, "store_unavailable", err)
	}
	return record, nil
}

// Current returns the stored streak without modifying it.
func (s *Service) Current(ctx context.Context, username string) (Record, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Record{}, serviceerr.New(opCurrent, "invalid_username", ErrInvalidUsername)
	}
	record, err := readRecord(ctx, s.store, username)
	if err != nil {
		s.logError(opCurrent, "store_unavailable", err, zap.String("username", username))
		return Record{}, serviceerr.New(opCurrent, "store_unavailable", err)
	}
	return record, nil
}

// DailyPlayers counts distinct users who played on date (YYYY-MM-DD).
func (s *Service) DailyPlayers(ctx context.Context, date string) (int64, error) {
	date = strings.TrimSpace(date)
	if _, err := time.Parse(DateLayout, date); err != nil {
		return 0, serviceerr.New(opDailyPlayers, "invalid_date", ErrInvalidDate)
	}
	count, err := s.store.ZCard(ctx, dailyKey(date))
	if err != nil {
		s.logError(opDailyPlayers, "store_unavailable", err, zap.String("date", date))
		return 0, serviceerr.New(opDailyPlayers, "store_unavailable", err)
	}
	return count, nil
}

func readRecord(ctx context.Context, store kvstore.Store, username string) (Record, error) {
	record := Record{Username: username}
	last, found, err := store.Get(ctx, lastPlayedKey(username))
	if err != nil {
		return Record{}, err
	}
	if found {
		record.LastPlayedDate = last
	}
	rawStreak, found, err := store.Get(ctx, streakKey(username))
	if err != nil {
		return Record{}, err
	}
	if found {
		if streak, parseErr := strconv.Atoi(rawStreak); parseErr == nil && streak > 0 {
			record.CurrentStreak = streak
		}
	}
	return record, nil
}

// advance applies one play on today to the stored record.
func advance(current Record, today string) Record {
	next := current
	switch {
	case current.LastPlayedDate != "" && current.LastPlayedDate >= today:
		// Same day, or a stored date ahead of a clock that moved back.
		if next.CurrentStreak < 1 {
			next.CurrentStreak = 1
		}
	case current.LastPlayedDate != "" && current.LastPlayedDate == previousDay(today):
		next.CurrentStreak = current.CurrentStreak + 1
		next.LastPlayedDate = today
	default:
		next.CurrentStreak = 1
		next.LastPlayedDate = today
	}
	return next
}

func previousDay(date string) string {
	parsed, err := time.Parse(DateLayout, date)
	if err != nil {
		return ""
	}
	return parsed.AddDate(0, 0, -1).Format(DateLayout)
}

func lastPlayedKey(username string) string {
	return fmt.Sprintf("%s:last:%s", keyPrefix, url.QueryEscape(username))
}

func streakKey(username string) string {
	return fmt.Sprintf("%s:streak:%s", keyPrefix, url.QueryEscape(username))
}

func dailyKey(date string) string {
	return fmt.Sprintf("%s:daily:%s", keyPrefix, date)
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
	s.logger.Error("streak service error", attrs...)
}
