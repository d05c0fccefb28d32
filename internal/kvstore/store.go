// Package kvstore provides the key/value and sorted-set storage used by saves,
// leaderboards, and streaks.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks every failure to reach or mutate the backing store.
var ErrUnavailable = errors.New("kvstore: store unavailable")

// RangeOptions controls ZRange ordering.
type RangeOptions struct {
	// Reverse orders members by descending score.
	Reverse bool
}

// ZMember is one scored member of a sorted set.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the storage contract consumed by the game services.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRange(ctx context.Context, key string, start, stop int64, opts RangeOptions) ([]ZMember, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// Atomic runs fn against a transactional view of the store. Writes made
	// through tx commit together or not at all.
	Atomic(ctx context.Context, fn func(tx Store) error) error
}

// StoreError describes a failed store operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kvstore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kvstore: %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap exposes both ErrUnavailable and the underlying cause.
func (e *StoreError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

func newStoreError(op, key string, cause error) error {
	return &StoreError{Op: op, Key: key, Err: cause}
}
