package gameplay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/saves"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/streaks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultIdleTimeout is how long an untouched session stays in memory.
	DefaultIdleTimeout = 30 * time.Minute

	defaultReportTimeout = 10 * time.Second

	opManagerNew = "gameplay.manager.new"
	opStart      = "gameplay.start"
	opPlace      = "gameplay.place"
	opTimer      = "gameplay.timer"
	opReset      = "gameplay.reset"
	opCompletion = "gameplay.completion"
	opEnd        = "gameplay.end"
	opClose      = "gameplay.close"
)

var (
	// ErrManagerClosed indicates the manager no longer accepts sessions.
	ErrManagerClosed = errors.New("gameplay: manager closed")

	errMissingCollaborator = errors.New("collaborator is required")
)

// PuzzleSource resolves puzzle definitions.
type PuzzleSource interface {
	Get(ctx context.Context, puzzleID string) (catalog.Puzzle, error)
}

// SnapshotStore persists in-progress puzzles.
type SnapshotStore interface {
	Save(ctx context.Context, owner saves.Owner, snapshot puzzle.Snapshot) error
	Load(ctx context.Context, owner saves.Owner) saves.LoadResult
}

// ScoreRecorder accepts completion times.
type ScoreRecorder interface {
	Submit(ctx context.Context, puzzleID, username string, timeSeconds int64) (leaderboard.SubmitResult, error)
}

// StreakRecorder records a day of play.
type StreakRecorder interface {
	Update(ctx context.Context, username string) (streaks.Record, error)
}

// ManagerConfig describes the collaborators of a Manager.
type ManagerConfig struct {
	Puzzles       PuzzleSource
	Slicer        puzzle.ImageSlicer
	Saves         SnapshotStore
	Scores        ScoreRecorder
	Streaks       StreakRecorder
	Tolerance     int
	Debounce      time.Duration
	IdleTimeout   time.Duration
	ReportTimeout time.Duration
	Clock         func() time.Time
	Shuffle       puzzle.Shuffler
	Logger        *zap.Logger
}

// TimerState is the outcome of a timer request.
type TimerState struct {
	Started        bool
	ElapsedSeconds int64
}

// Manager owns every active play session. Placement within one session is
// serialized; sessions never share state.
type Manager struct {
	puzzles       PuzzleSource
	slicer        puzzle.ImageSlicer
	saves         SnapshotStore
	scores        ScoreRecorder
	streaks       StreakRecorder
	tolerance     int
	debounce      time.Duration
	idleTimeout   time.Duration
	reportTimeout time.Duration
	clock         func() time.Time
	shuffle       puzzle.Shuffler
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session
	closed   bool
	reports  sync.WaitGroup
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Puzzles == nil || cfg.Saves == nil || cfg.Scores == nil || cfg.Streaks == nil {
		return nil, serviceerr.New(opManagerNew, "missing_collaborator", errMissingCollaborator)
	}
	slicer := cfg.Slicer
	if slicer == nil {
		slicer = puzzle.NewGridSlicer()
	}
	tolerance := cfg.Tolerance
	if tolerance < 0 {
		tolerance = 0
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	reportTimeout := cfg.ReportTimeout
	if reportTimeout <= 0 {
		reportTimeout = defaultReportTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		puzzles:       cfg.Puzzles,
		slicer:        slicer,
		saves:         cfg.Saves,
		scores:        cfg.Scores,
		streaks:       cfg.Streaks,
		tolerance:     tolerance,
		debounce:      cfg.Debounce,
		idleTimeout:   idleTimeout,
		reportTimeout: reportTimeout,
		clock:         clock,
		shuffle:       cfg.Shuffle,
		logger:        logger,
		sessions:      make(map[sessionKey]*session),
	}, nil
}

// Start resumes the caller's session, or restores their saved snapshot, or
// slices a fresh puzzle from the catalog image. A save that cannot be read is
// treated as absent.
func (m *Manager) Start(ctx context.Context, sc SessionContext) (StartResult, error) {
	if err := sc.Validate(); err != nil {
		return StartResult{}, serviceerr.New(opStart, "invalid_session", err)
	}
	if existing := m.lookup(sc); existing != nil {
		return m.resume(existing), nil
	}

	machine := puzzle.NewStateMachine(puzzle.Config{Clock: m.clock, Shuffle: m.shuffle})
	resumed := false
	if loaded := m.saves.Load(ctx, sc.owner()); loaded.Found {
		if err := machine.Restore(loaded.Snapshot); err != nil {
			m.logger.Warn("saved snapshot rejected; generating a fresh puzzle",
				zap.String("puzzle_id", sc.PuzzleInstanceID),
				zap.String("user_id", sc.UserID),
				zap.Error(err))
		} else {
			resumed = true
		}
	}
	if !resumed {
		if err := m.generate(ctx, sc, machine); err != nil {
			return StartResult{}, err
		}
	}

	created := m.newSession(sc, machine)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		created.autosaver.Stop()
		return StartResult{}, serviceerr.New(opStart, "manager_closed", ErrManagerClosed)
	}
	if existing, ok := m.sessions[sc.key()]; ok {
		m.mu.Unlock()
		created.autosaver.Stop()
		return m.resume(existing), nil
	}
	m.sessions[sc.key()] = created
	m.mu.Unlock()

	created.mu.Lock()
	defer created.mu.Unlock()
	snapshot := created.snapshotLocked()
	if !resumed {
		created.autosaver.Schedule(snapshot)
	}
	return StartResult{Resumed: resumed, Snapshot: snapshot}, nil
}

// Place starts the timer if needed and attempts the placement. The placement
// that completes the puzzle triggers one detached completion report.
func (m *Manager) Place(ctx context.Context, sc SessionContext, tileID string, target puzzle.Position) (PlaceResult, error) {
	sess, err := m.active(opPlace, sc)
	if err != nil {
		return PlaceResult{}, err
	}

	sess.mu.Lock()
	sess.touch(m.clock())
	sess.machine.StartTimer()
	placement := sess.machine.AttemptPlace(tileID, target, m.tolerance)
	result := PlaceResult{
		Placement:      placement,
		Complete:       sess.machine.IsComplete(),
		ElapsedSeconds: sess.machine.Tick(),
	}
	if placement.Accepted {
		sess.autosaver.Schedule(sess.machine.Snapshot())
	}
	var report *CompletionReport
	if placement.Completed {
		report = &CompletionReport{
			PuzzleID:       sc.PuzzleInstanceID,
			Username:       sc.Username,
			ElapsedSeconds: result.ElapsedSeconds,
		}
		sess.completion = report
	}
	sess.mu.Unlock()

	if report != nil {
		m.reportDetached(sess, report)
	}
	return result, nil
}

// StartTimer starts the timer if it is not running and returns the current
// elapsed time.
func (m *Manager) StartTimer(ctx context.Context, sc SessionContext) (TimerState, error) {
	sess, err := m.active(opTimer, sc)
	if err != nil {
		return TimerState{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch(m.clock())
	started := sess.machine.StartTimer()
	elapsed := sess.machine.Tick()
	if started {
		sess.autosaver.Schedule(sess.machine.Snapshot())
	}
	return TimerState{Started: started, ElapsedSeconds: elapsed}, nil
}

// Reset reshuffles the session's puzzle and forgets its completion, so the next
// completion is reported again.
func (m *Manager) Reset(ctx context.Context, sc SessionContext) (puzzle.Snapshot, error) {
	sess, err := m.active(opReset, sc)
	if err != nil {
		return puzzle.Snapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch(m.clock())
	sess.machine.Reset()
	sess.completion = nil
	snapshot := sess.machine.Snapshot()
	sess.autosaver.Schedule(snapshot)
	return snapshot, nil
}

// Completion returns the current completion report of the session.
func (m *Manager) Completion(sc SessionContext) (CompletionReport, error) {
	sess, err := m.active(opCompletion, sc)
	if err != nil {
		return CompletionReport{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.completion == nil {
		return CompletionReport{}, serviceerr.New(opCompletion, "not_completed", ErrNotCompleted)
	}
	return *sess.completion, nil
}

// RetryCompletion re-attempts whichever completion side effects have not
// succeeded yet. Side effects that already succeeded are never repeated.
func (m *Manager) RetryCompletion(ctx context.Context, sc SessionContext) (CompletionReport, error) {
	sess, err := m.active(opCompletion, sc)
	if err != nil {
		return CompletionReport{}, err
	}
	sess.mu.Lock()
	sess.touch(m.clock())
	report := sess.completion
	sess.mu.Unlock()
	if report == nil {
		return CompletionReport{}, serviceerr.New(opCompletion, "not_completed", ErrNotCompleted)
	}
	return m.deliver(ctx, sess, report), nil
}

// End flushes the session's pending save and drops it from memory.
func (m *Manager) End(ctx context.Context, sc SessionContext) error {
	if err := sc.Validate(); err != nil {
		return serviceerr.New(opEnd, "invalid_session", err)
	}
	m.mu.Lock()
	sess, ok := m.sessions[sc.key()]
	if ok {
		delete(m.sessions, sc.key())
	}
	m.mu.Unlock()
	if !ok {
		return serviceerr.New(opEnd, "not_found", ErrSessionNotFound)
	}
	m.retire(ctx, sess)
	return nil
}

// EvictIdle flushes and drops sessions untouched for the idle timeout and
// reports how many were evicted.
func (m *Manager) EvictIdle(ctx context.Context) int {
	cutoff := m.clock().Add(-m.idleTimeout)
	var idle []*session
	m.mu.Lock()
	for key, sess := range m.sessions {
		sess.mu.Lock()
		stale := !sess.lastActive.After(cutoff)
		sess.mu.Unlock()
		if stale {
			idle = append(idle, sess)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, sess := range idle {
		m.retire(ctx, sess)
	}
	return len(idle)
}

// Active reports how many sessions are held in memory.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops accepting sessions, flushes every pending save concurrently and
// waits for in-flight completion reports.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for key, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	var group errgroup.Group
	for _, sess := range sessions {
		group.Go(func() error {
			defer sess.autosaver.Stop()
			if err := sess.autosaver.Flush(ctx); err != nil {
				return fmt.Errorf("flush %s/%s: %w", sess.context.PuzzleInstanceID, sess.context.UserID, err)
			}
			return nil
		})
	}
	flushErr := group.Wait()
	if flushErr != nil {
		m.logError(opClose, "flush_failed", flushErr)
	}

	done := make(chan struct{})
	go func() {
		m.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(flushErr, ctx.Err())
	}
	return flushErr
}

func (m *Manager) generate(ctx context.Context, sc SessionContext, machine *puzzle.StateMachine) error {
	definition, err := m.puzzles.Get(ctx, sc.PuzzleInstanceID)
	if err != nil {
		reason := "puzzle_unavailable"
		if errors.Is(err, catalog.ErrPuzzleNotFound) {
			reason = "puzzle_not_found"
		}
		return serviceerr.New(opStart, reason, err)
	}
	tiles, err := m.slicer.Slice(ctx, definition.ImageURL, definition.GridSize)
	if err != nil {
		m.logError(opStart, "image_load_failed", err, zap.String("puzzle_id", sc.PuzzleInstanceID))
		return serviceerr.New(opStart, "image_load_failed", err)
	}
	if err := machine.Initialize(tiles, definition.GridSize, definition.ImageURL); err != nil {
		m.logError(opStart, "invalid_tiles", err, zap.String("puzzle_id", sc.PuzzleInstanceID))
		return serviceerr.New(opStart, "invalid_tiles", err)
	}
	return nil
}

func (m *Manager) newSession(sc SessionContext, machine *puzzle.StateMachine) *session {
	owner := sc.owner()
	return &session{
		context: sc,
		machine: machine,
		autosaver: saves.NewAutosaver(saves.AutosaverConfig{
			Save: func(ctx context.Context, snapshot puzzle.Snapshot) error {
				return m.saves.Save(ctx, owner, snapshot)
			},
			Debounce: m.debounce,
			Logger: m.logger.With(
				zap.String("puzzle_id", sc.PuzzleInstanceID),
				zap.String("user_id", sc.UserID)),
		}),
		lastActive: m.clock(),
	}
}

func (m *Manager) resume(sess *session) StartResult {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch(m.clock())
	return StartResult{Resumed: true, Snapshot: sess.snapshotLocked()}
}

func (m *Manager) lookup(sc SessionContext) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sc.key()]
}

func (m *Manager) active(operation string, sc SessionContext) (*session, error) {
	if err := sc.Validate(); err != nil {
		return nil, serviceerr.New(operation, "invalid_session", err)
	}
	sess := m.lookup(sc)
	if sess == nil {
		return nil, serviceerr.New(operation, "not_found", ErrSessionNotFound)
	}
	return sess, nil
}

func (m *Manager) retire(ctx context.Context, sess *session) {
	if err := sess.autosaver.Flush(ctx); err != nil {
		m.logger.Warn("final save failed",
			zap.String("puzzle_id", sess.context.PuzzleInstanceID),
			zap.String("user_id", sess.context.UserID),
			zap.Error(err))
	}
	sess.autosaver.Stop()
}

func (m *Manager) reportDetached(sess *session, report *CompletionReport) {
	m.reports.Add(1)
	go func() {
		defer m.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.reportTimeout)
		defer cancel()
		if err := sess.autosaver.Flush(ctx); err != nil {
			m.logger.Warn("completion save failed",
				zap.String("puzzle_id", report.PuzzleID),
				zap.String("user_id", sess.context.UserID),
				zap.Error(err))
		}
		m.deliver(ctx, sess, report)
	}()
}

// deliver performs the side effects of report that have not succeeded yet.
// Score submission and streak update are attempted independently.
func (m *Manager) deliver(ctx context.Context, sess *session, report *CompletionReport) CompletionReport {
	sess.delivering.Lock()
	defer sess.delivering.Unlock()

	sess.mu.Lock()
	pending := *report
	sess.mu.Unlock()

	if !pending.ScoreSubmitted {
		result, err := m.scores.Submit(ctx, pending.PuzzleID, pending.Username, pending.ElapsedSeconds)
		sess.mu.Lock()
		if err != nil {
			report.ScoreError = errorCode(err)
		} else {
			report.ScoreSubmitted = true
			report.ScoreError = ""
			report.BestSeconds = result.BestSeconds
			report.Improved = result.Improved
		}
		sess.mu.Unlock()
		if err != nil {
			m.logError(opCompletion, "score_submission_failed", err,
				zap.String("puzzle_id", pending.PuzzleID),
				zap.String("username", pending.Username))
		}
	}

	if !pending.StreakUpdated {
		record, err := m.streaks.Update(ctx, pending.Username)
		sess.mu.Lock()
		if err != nil {
			report.StreakError = errorCode(err)
		} else {
			report.StreakUpdated = true
			report.StreakError = ""
			report.Streak = record.CurrentStreak
		}
		sess.mu.Unlock()
		if err != nil {
			m.logError(opCompletion, "streak_update_failed", err,
				zap.String("puzzle_id", pending.PuzzleID),
				zap.String("username", pending.Username))
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return *report
}

func errorCode(err error) string {
	if code := serviceerr.Code(err); code != "" {
		return code
	}
	return err.Error()
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("gameplay error", attrs...)
}
