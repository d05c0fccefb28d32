package saves

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"go.uber.org/zap"
)

const (
	// DefaultDebounce is the quiet period before a scheduled snapshot is written.
	DefaultDebounce = 3 * time.Second

	defaultWriteTimeout = 5 * time.Second
)

// SaveFunc persists one snapshot.
type SaveFunc func(ctx context.Context, snapshot puzzle.Snapshot) error

// AutosaverConfig describes the dependencies of an Autosaver.
type AutosaverConfig struct {
	Save         SaveFunc
	Debounce     time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Autosaver coalesces rapid snapshot changes into one write after a quiet
// period. Failed writes are logged and retried on the next window; the newest
// scheduled snapshot always wins. Writes never overlap, so a slow timer write
// cannot land after a later flush.
type Autosaver struct {
	save         SaveFunc
	debounce     time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	timer      *time.Timer
	pending    *puzzle.Snapshot
	generation uint64
	stopped    bool
}

// NewAutosaver constructs an Autosaver around save.
func NewAutosaver(cfg AutosaverConfig) *Autosaver {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Autosaver{
		save:         cfg.Save,
		debounce:     debounce,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Schedule replaces any pending snapshot and restarts the quiet period. It
// never blocks on a write. It reports false, and drops the snapshot, once the
// autosaver is stopped.
func (a *Autosaver) Schedule(snapshot puzzle.Snapshot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		a.logger.Warn("autosave scheduled after stop; snapshot dropped",
			zap.Int64("elapsed_seconds", snapshot.ElapsedSeconds))
		return false
	}
	a.pending = &snapshot
	a.generation++
	a.armLocked()
	return true
}

// Pending reports whether a snapshot is waiting to be written.
func (a *Autosaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

// Flush writes the pending snapshot immediately, if any. A timer write already
// in progress finishes first.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	return a.writePending(ctx)
}

// Stop cancels the timer and drops any pending snapshot. Call Flush first to
// keep it.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.pending = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Autosaver) armLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, a.fire)
}

func (a *Autosaver) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()
	if err := a.writePending(ctx); err != nil {
		a.logger.Warn("autosave failed; retrying on next window", zap.Error(err))
	}
}

// writePending saves the newest pending snapshot. The pending snapshot is read
// only after the write lock is held, so writes land in generation order.
func (a *Autosaver) writePending(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	if a.stopped || a.pending == nil {
		a.mu.Unlock()
		return nil
	}
	snapshot := *a.pending
	generation := a.generation
	a.mu.Unlock()

	err := a.save(ctx, snapshot)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		if !a.stopped && generation == a.generation {
			a.armLocked()
		}
		return err
	}
	if generation == a.generation {
		a.pending = nil
	}
	return nil
}
