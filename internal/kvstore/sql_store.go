package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGet          = "get"
	opSet          = "set"
	opExists       = "exists"
	opIncrBy       = "incr_by"
	opZAdd         = "zadd"
	opZScore       = "zscore"
	opZRange       = "zrange"
	opZCard        = "zcard"
	opAtomic       = "atomic"
	opPurgeExpired = "purge_expired"

	columnEntryKey   = "entry_key"
	columnValue      = "value"
	columnExpiresAt  = "expires_at_s"
	queryEntryKey    = columnEntryKey + " = ?"
	querySetKey      = "set_key = ?"
	querySetMember   = "set_key = ? AND member = ?"
	queryExpiredRows = columnExpiresAt + " > 0 AND " + columnExpiresAt + " <= ?"
	orderRankAsc     = "score ASC, id ASC"
	orderRankDesc    = "score DESC, id DESC"
)

var errMissingDatabase = errors.New("database handle is required")

// Entry stores one string value with an optional expiry.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;default:0;index"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

func (e Entry) expiredAt(now time.Time) bool {
	return e.ExpiresAtSeconds > 0 && e.ExpiresAtSeconds <= now.Unix()
}

// SortedMember stores one member of a sorted set. ID grows with every score
// change and breaks ties between equal scores.
type SortedMember struct {
	ID     int64   `gorm:"column:id;primaryKey;autoIncrement"`
	SetKey string  `gorm:"column:set_key;size:190;not null;uniqueIndex:idx_sorted_member,priority:1;index:idx_sorted_rank,priority:1"`
	Member string  `gorm:"column:member;size:190;not null;uniqueIndex:idx_sorted_member,priority:2"`
	Score  float64 `gorm:"column:score;not null;index:idx_sorted_rank,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SortedMember) TableName() string {
	return "kv_sorted_members"
}

// Models lists the schema the SQL store needs migrated.
func Models() []any {
	return []any{&Entry{}, &SortedMember{}}
}

// SQLStoreConfig describes the dependencies of SQLStore.
type SQLStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// SQLStore implements Store on top of a gorm database.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore constructs a Store over an already migrated database.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: cfg.Database, clock: clock}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	entry, found, err := s.takeEntry(ctx, key)
	if err != nil {
		return "", false, newStoreError(opGet, key, err)
	}
	if !found {
		return "", false, nil
	}
	return entry.Value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	entry := Entry{Key: key, Value: value}
	if ttl > 0 {
		entry.ExpiresAtSeconds = s.clock().Add(ttl).Unix()
	}
	if err := s.upsertEntry(ctx, entry); err != nil {
		return newStoreError(opSet, key, err)
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.takeEntry(ctx, key)
	if err != nil {
		return false, newStoreError(opExists, key, err)
	}
	return found, nil
}

// IncrBy adds delta to the integer stored at key, keeping any existing expiry.
func (s *SQLStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var result int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		view := &SQLStore{db: tx, clock: s.clock}
		entry, found, err := view.takeEntry(ctx, key)
		if err != nil {
			return err
		}
		current := int64(0)
		if found {
			current, err = strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("value is not an integer: %w", err)
			}
		} else {
			entry = Entry{Key: key}
		}
		result = current + delta
		entry.Value = strconv.FormatInt(result, 10)
		return view.upsertEntry(ctx, entry)
	})
	if err != nil {
		return 0, newStoreError(opIncrBy, key, err)
	}
	return result, nil
}

// ZAdd sets member's score. An unchanged score keeps the member's position
// among equal scores; a changed score places it after them.
func (s *SQLStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SortedMember
		err := tx.Where(querySetMember, key, member).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case existing.Score == score:
			return nil
		default:
			if err := tx.Delete(&SortedMember{}, existing.ID).Error; err != nil {
				return err
			}
		}
		return tx.Create(&SortedMember{SetKey: key, Member: member, Score: score}).Error
	})
	if err != nil {
		return newStoreError(opZAdd, key, err)
	}
	return nil
}

func (s *SQLStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var existing SortedMember
	err := s.db.WithContext(ctx).Where(querySetMember, key, member).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newStoreError(opZScore, key, err)
	}
	return existing.Score, true, nil
}

// ZRange returns members ranked start..stop inclusive. Negative indexes count
// back from the last member.
func (s *SQLStore) ZRange(ctx context.Context, key string, start, stop int64, opts RangeOptions) ([]ZMember, error) {
	card, err := s.ZCard(ctx, key)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start += card
	}
	if stop < 0 {
		stop += card
	}
	if start < 0 {
		start = 0
	}
	if stop >= card {
		stop = card - 1
	}
	if card == 0 || start > stop {
		return []ZMember{}, nil
	}

	order := orderRankAsc
	if opts.Reverse {
		order = orderRankDesc
	}
	var rows []SortedMember
	if err := s.db.WithContext(ctx).
		Where(querySetKey, key).
		Order(order).
		Offset(int(start)).
		Limit(int(stop - start + 1)).
		Find(&rows).Error; err != nil {
		return nil, newStoreError(opZRange, key, err)
	}

	members := make([]ZMember, 0, len(rows))
	for _, row := range rows {
		members = append(members, ZMember{Member: row.Member, Score: row.Score})
	}
	return members, nil
}

func (s *SQLStore) ZCard(ctx context.Context, key string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SortedMember{}).Where(querySetKey, key).Count(&count).Error; err != nil {
		return 0, newStoreError(opZCard, key, err)
	}
	return count, nil
}

func (s *SQLStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	var callbackErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		callbackErr = fn(&SQLStore{db: tx, clock: s.clock})
		return callbackErr
	})
	if callbackErr != nil {
		return callbackErr
	}
	if err != nil {
		return newStoreError(opAtomic, "", err)
	}
	return nil
}

// PurgeExpired deletes entries whose expiry has passed and reports how many
// were removed.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where(queryExpiredRows, s.clock().Unix()).Delete(&Entry{})
	if result.Error != nil {
		return 0, newStoreError(opPurgeExpired, "", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *SQLStore) takeEntry(ctx context.Context, key string) (Entry, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryEntryKey, key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if entry.expiredAt(s.clock()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *SQLStore) upsertEntry(ctx context.Context, entry Entry) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnEntryKey}},
		DoUpdates: clause.AssignmentColumns([]string{columnValue, columnExpiresAt}),
	}).Create(&entry).Error
}
