package leaderboard

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval matches the refresh cadence of the web client.
const DefaultPollInterval = 60 * time.Second

// TopReader reads a ranked page of a leaderboard.
type TopReader interface {
	Top(ctx context.Context, puzzleID string, limit int) ([]Entry, error)
}

// PollerConfig describes one polled leaderboard.
type PollerConfig struct {
	Reader   TopReader
	PuzzleID string
	Limit    int
	Interval time.Duration
	Logger   *zap.Logger
}

// Poller re-reads a leaderboard on an interval, or sooner when nudged, and
// reports rankings that differ from the last one delivered.
type Poller struct {
	reader   TopReader
	puzzleID string
	limit    int
	interval time.Duration
	logger   *zap.Logger
	nudges   chan struct{}
}

// NewPoller constructs a Poller.
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Poller{
		reader:   cfg.Reader,
		puzzleID: cfg.PuzzleID,
		limit:    cfg.Limit,
		interval: interval,
		logger:   logger,
		nudges:   make(chan struct{}, 1),
	}
}

// Refresh asks a running poller to re-read now. It never blocks.
func (p *Poller) Refresh() {
	select {
	case p.nudges <- struct{}{}:
	default:
	}
}

// Run delivers the current ranking immediately and every changed ranking
// afterwards until ctx ends or deliver fails. Read errors are logged and the
// next tick retries.
func (p *Poller) Run(ctx context.Context, deliver func([]Entry) error) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last []Entry
	delivered := false
	for {
		entries, err := p.reader.Top(ctx, p.puzzleID, p.limit)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("leaderboard poll failed", zap.String("puzzle_id", p.puzzleID), zap.Error(err))
		case !delivered || !slices.Equal(last, entries):
			if err := deliver(entries); err != nil {
				return err
			}
			last = entries
			delivered = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.nudges:
		}
	}
}
