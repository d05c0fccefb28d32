// Package saves persists in-progress puzzles so a player can resume them.
package saves

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"go.uber.org/zap"
)

const (
	// DefaultRetention is how long a save survives without being refreshed.
	DefaultRetention = 30 * 24 * time.Hour

	keyPrefix = "jigsaw:save"

	opSave = "saves.save"
	opLoad = "saves.load"
)

var (
	// ErrInvalidOwner indicates a missing puzzle instance or user identifier.
	ErrInvalidOwner = errors.New("saves: puzzle instance id and user id are required")
	errMissingStore = errors.New("saves: store is required")
)

// Owner identifies whose snapshot is stored.
type Owner struct {
	PuzzleInstanceID string
	UserID           string
}

// Validate checks that both identifiers are present.
func (o Owner) Validate() error {
	if strings.TrimSpace(o.PuzzleInstanceID) == "" || strings.TrimSpace(o.UserID) == "" {
		return ErrInvalidOwner
	}
	return nil
}

// Key derives the namespaced store key. Components are escaped so distinct
// owners can never share a key.
func (o Owner) Key() string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, url.QueryEscape(o.PuzzleInstanceID), url.QueryEscape(o.UserID))
}

// LoadResult is the outcome of Load. Found is false when nothing usable was stored.
type LoadResult struct {
	Found    bool
	Snapshot puzzle.Snapshot
	SavedAt  time.Time
}

type savedRecord struct {
	puzzle.Snapshot
	SavedAt time.Time `json:"savedAt"`
}

// GatewayConfig describes the dependencies of Gateway.
type GatewayConfig struct {
	Store     kvstore.Store
	Retention time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Gateway reads and writes puzzle snapshots in the key/value store.
type Gateway struct {
	store     kvstore.Store
	retention time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{store: cfg.Store, retention: retention, clock: clock, logger: logger}, nil
}

// Save writes the full snapshot, stamped with the server time, and refreshes
// its retention window.
func (g *Gateway) Save(ctx context.Context, owner Owner, snapshot puzzle.Snapshot) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(savedRecord{Snapshot: snapshot, SavedAt: g.clock().UTC()})
	if err != nil {
		return fmt.Errorf("%s: encode snapshot: %w", opSave, err)
	}
	if err := g.store.Set(ctx, owner.Key(), string(payload), g.retention); err != nil {
		return fmt.Errorf("%s: %w", opSave, err)
	}
	return nil
}

// Load returns the stored snapshot. Store failures and undecodable or invalid
// records are logged and reported as not found.
func (g *Gateway) Load(ctx context.Context, owner Owner) LoadResult {
	if err := owner.Validate(); err != nil {
		return LoadResult{}
	}
	raw, found, err := g.store.Get(ctx, owner.Key())
	if err != nil {
		g.logger.Warn("snapshot load failed",
			zap.String("operation", opLoad),
			zap.String("puzzle_id", owner.PuzzleInstanceID),
			zap.String("user_id", owner.UserID),
			zap.Error(err))
		return LoadResult{}
	}
	if !found {
		return LoadResult{}
	}
	var record savedRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		g.logger.Warn("stored snapshot is not decodable",
			zap.String("operation", opLoad),
			zap.String("puzzle_id", owner.PuzzleInstanceID),
			zap.String("user_id", owner.UserID),
			zap.Error(err))
		return LoadResult{}
	}
	if err := record.Snapshot.Validate(); err != nil {
		g.logger.Warn("stored snapshot is invalid",
			zap.String("operation", opLoad),
			zap.String("puzzle_id", owner.PuzzleInstanceID),
			zap.String("user_id", owner.UserID),
			zap.Error(err))
		return LoadResult{}
	}
	return LoadResult{Found: true, Snapshot: record.Snapshot, SavedAt: record.SavedAt}
}
