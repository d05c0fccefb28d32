// Package gameplay runs server-side play sessions: it builds or resumes a
// puzzle, applies placements, autosaves, and reports each completion once.
package gameplay

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/saves"
)

var (
	// ErrInvalidSession indicates a SessionContext missing its user or puzzle.
	ErrInvalidSession = errors.New("gameplay: user id, username and puzzle instance id are required")
	// ErrSessionNotFound indicates no active session for the context.
	ErrSessionNotFound = errors.New("gameplay: no active session")
	// ErrNotCompleted indicates the session has no completion to report.
	ErrNotCompleted = errors.New("gameplay: puzzle has not been completed in this session")
)

// SessionContext identifies who plays which puzzle. It is passed explicitly to
// every operation.
type SessionContext struct {
	UserID           string
	Username         string
	PuzzleInstanceID string
}

// Validate checks that every identifier is present.
func (c SessionContext) Validate() error {
	if strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.PuzzleInstanceID) == "" {
		return ErrInvalidSession
	}
	return nil
}

func (c SessionContext) owner() saves.Owner {
	return saves.Owner{PuzzleInstanceID: c.PuzzleInstanceID, UserID: c.UserID}
}

type sessionKey struct {
	userID   string
	puzzleID string
}

func (c SessionContext) key() sessionKey {
	return sessionKey{userID: c.UserID, puzzleID: c.PuzzleInstanceID}
}

// CompletionReport tracks the two side effects of finishing a puzzle. Each is
// performed at most once successfully; failed ones can be retried.
type CompletionReport struct {
	PuzzleID       string
	Username       string
	ElapsedSeconds int64

	ScoreSubmitted bool
	BestSeconds    int64
	Improved       bool
	ScoreError     string

	StreakUpdated bool
	Streak        int
	StreakError   string
}

// Settled reports whether both side effects succeeded.
func (r CompletionReport) Settled() bool {
	return r.ScoreSubmitted && r.StreakUpdated
}

// PlaceResult is the outcome of a placement together with the timer.
type PlaceResult struct {
	puzzle.Placement
	Complete       bool
	ElapsedSeconds int64
}

// StartResult is the state a session begins or resumes with.
type StartResult struct {
	Resumed  bool
	Snapshot puzzle.Snapshot
}

type session struct {
	context   SessionContext
	autosaver *saves.Autosaver

	mu         sync.Mutex
	machine    *puzzle.StateMachine
	lastActive time.Time
	completion *CompletionReport

	// delivering serializes report delivery so each side effect succeeds once.
	delivering sync.Mutex
}

func (s *session) touch(now time.Time) {
	s.lastActive = now
}

func (s *session) snapshotLocked() puzzle.Snapshot {
	s.machine.Tick()
	return s.machine.Snapshot()
}
