package server

import (
	"context"
	"sync"
	"time"
)

// LeaderboardChange tells a live connection that a puzzle's ranking moved.
// It carries no entries; watchers re-read the ranking themselves.
type LeaderboardChange struct {
	PuzzleID  string
	ChangedAt time.Time
}

// LeaderboardFeed nudges live leaderboard connections when a submission changes
// a puzzle's ranking. Each watcher holds at most one undelivered change, and
// later changes fold into it.
type LeaderboardFeed struct {
	mu       sync.Mutex
	watchers map[string]map[*feedWatcher]struct{}
	clock    func() time.Time
}

type feedWatcher struct {
	changes chan LeaderboardChange
}

func NewLeaderboardFeed() *LeaderboardFeed {
	return &LeaderboardFeed{
		watchers: make(map[string]map[*feedWatcher]struct{}),
		clock:    time.Now,
	}
}

// Watch returns the change stream for puzzleID. The watcher is released when
// ctx ends or release is called, whichever comes first.
func (f *LeaderboardFeed) Watch(ctx context.Context, puzzleID string) (<-chan LeaderboardChange, func()) {
	if puzzleID == "" {
		closed := make(chan LeaderboardChange)
		close(closed)
		return closed, func() {}
	}

	watcher := &feedWatcher{changes: make(chan LeaderboardChange, 1)}
	f.mu.Lock()
	byPuzzle, ok := f.watchers[puzzleID]
	if !ok {
		byPuzzle = make(map[*feedWatcher]struct{})
		f.watchers[puzzleID] = byPuzzle
	}
	byPuzzle[watcher] = struct{}{}
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		f.forget(puzzleID, watcher)
	})
	release := func() {
		if stop() {
			f.forget(puzzleID, watcher)
		}
	}
	return watcher.changes, release
}

// LeaderboardChanged nudges every watcher of puzzleID without blocking.
func (f *LeaderboardFeed) LeaderboardChanged(puzzleID string) {
	if puzzleID == "" {
		return
	}
	change := LeaderboardChange{PuzzleID: puzzleID, ChangedAt: f.clock().UTC()}

	f.mu.Lock()
	defer f.mu.Unlock()
	for watcher := range f.watchers[puzzleID] {
		select {
		case watcher.changes <- change:
		default:
			// already nudged; the pending change covers this one
		}
	}
}

// Watchers reports how many live connections follow puzzleID.
func (f *LeaderboardFeed) Watchers(puzzleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers[puzzleID])
}

func (f *LeaderboardFeed) forget(puzzleID string, watcher *feedWatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byPuzzle := f.watchers[puzzleID]
	delete(byPuzzle, watcher)
	if len(byPuzzle) == 0 {
		delete(f.watchers, puzzleID)
	}
}
