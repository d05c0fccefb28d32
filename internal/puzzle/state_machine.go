package puzzle

import (
	"math/rand/v2"
	"time"
)

// Phase is the lifecycle stage of a play-through.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhaseComplete   Phase = "complete"
)

// RejectReason explains why a placement was not accepted.
type RejectReason string

const (
	RejectUnknownTile     RejectReason = "unknown_tile"
	RejectAlreadyPlaced   RejectReason = "already_placed"
	RejectOutOfTolerance  RejectReason = "out_of_tolerance"
	RejectPuzzleCompleted RejectReason = "puzzle_completed"
)

var progressMilestones = []int{25, 50, 75}

// Shuffler permutes n elements through swap. (*rand.Rand).Shuffle and
// rand.Shuffle both satisfy it.
type Shuffler func(n int, swap func(i, j int))

// Config describes the collaborators of a StateMachine.
type Config struct {
	Clock   func() time.Time
	Shuffle Shuffler
}

// Placement is the outcome of AttemptPlace. Rejected placements leave the
// state machine untouched.
type Placement struct {
	TileID   string
	Accepted bool
	Reason   RejectReason
	// Position is the tile's home when accepted.
	Position Position
	Progress float64
	// Completed is true only for the placement that finished the puzzle.
	Completed bool
	// Milestone is the highest of 25/50/75 crossed by this placement, or 0.
	Milestone int
}

// StateMachine enforces placement rules for one play-through. It is owned by a
// single session and is not safe for concurrent use.
type StateMachine struct {
	tiles     []Tile
	index     map[string]int
	gridSize  int
	imageURL  string
	startTime *time.Time
	elapsed   int64
	placed    int
	complete  bool
	clock     func() time.Time
	shuffle   Shuffler
}

// NewStateMachine returns an empty state machine; call Initialize or Restore
// before use.
func NewStateMachine(cfg Config) *StateMachine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	shuffle := cfg.Shuffle
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	return &StateMachine{clock: clock, shuffle: shuffle}
}

// Initialize loads a freshly sliced tile set, clears all placement, and
// randomizes the order in which tiles are offered.
func (m *StateMachine) Initialize(tiles []Tile, gridSize int, imageURL string) error {
	if err := validateTiles(tiles, gridSize); err != nil {
		return err
	}
	m.tiles = make([]Tile, len(tiles))
	for i, tile := range tiles {
		m.tiles[i] = tile.clone()
	}
	m.gridSize = gridSize
	m.imageURL = imageURL
	m.Reset()
	return nil
}

// Restore replaces the state with a validated snapshot.
func (m *StateMachine) Restore(snapshot Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	m.tiles = make([]Tile, len(snapshot.Tiles))
	for i, tile := range snapshot.Tiles {
		m.tiles[i] = tile.clone()
	}
	m.gridSize = snapshot.GridSize
	m.imageURL = snapshot.ImageURL
	m.elapsed = snapshot.ElapsedSeconds
	m.complete = snapshot.Complete
	m.startTime = nil
	if snapshot.StartTime != nil {
		started := time.UnixMilli(*snapshot.StartTime)
		m.startTime = &started
	}
	m.placed = snapshot.PlacedCount()
	m.reindex()
	return nil
}

// StartTimer moves the puzzle from not started to running. It reports whether
// the timer was started by this call.
func (m *StateMachine) StartTimer() bool {
	if m.startTime != nil || m.complete {
		return false
	}
	now := m.clock()
	m.startTime = &now
	return true
}

// AttemptPlace accepts the move when the tile is unplaced and target lies
// within tolerance cells of its home on both axes. Accepted tiles snap to home.
func (m *StateMachine) AttemptPlace(tileID string, target Position, tolerance int) Placement {
	result := Placement{TileID: tileID, Progress: m.Progress()}
	idx, ok := m.index[tileID]
	if !ok {
		result.Reason = RejectUnknownTile
		return result
	}
	if m.complete {
		result.Reason = RejectPuzzleCompleted
		return result
	}
	tile := &m.tiles[idx]
	if tile.Placed {
		result.Reason = RejectAlreadyPlaced
		return result
	}
	if tolerance < 0 {
		tolerance = 0
	}
	if !target.Within(tile.Home, tolerance) {
		result.Reason = RejectOutOfTolerance
		return result
	}

	before := result.Progress
	tile.place()
	m.placed++

	result.Accepted = true
	result.Position = tile.Home
	result.Progress = m.Progress()
	for _, milestone := range progressMilestones {
		if before < float64(milestone) && result.Progress >= float64(milestone) {
			result.Milestone = milestone
		}
	}
	if m.placed == len(m.tiles) {
		m.Tick()
		m.complete = true
		result.Completed = true
	}
	return result
}

// IsComplete reports whether every tile is placed.
func (m *StateMachine) IsComplete() bool {
	return m.complete
}

// Progress returns the placed share of tiles as a percentage in [0, 100].
func (m *StateMachine) Progress() float64 {
	if len(m.tiles) == 0 {
		return 0
	}
	return float64(m.placed) / float64(len(m.tiles)) * 100
}

// Phase derives the lifecycle stage.
func (m *StateMachine) Phase() Phase {
	switch {
	case m.complete:
		return PhaseComplete
	case m.startTime != nil:
		return PhaseRunning
	default:
		return PhaseNotStarted
	}
}

// Reset unplaces and reshuffles every tile and clears the timer and completion.
func (m *StateMachine) Reset() {
	for i := range m.tiles {
		m.tiles[i].unplace()
	}
	m.shuffle(len(m.tiles), func(i, j int) {
		m.tiles[i], m.tiles[j] = m.tiles[j], m.tiles[i]
	})
	m.startTime = nil
	m.elapsed = 0
	m.placed = 0
	m.complete = false
	m.reindex()
}

// Tick refreshes the elapsed seconds of a running puzzle from the clock and
// returns them. Completed puzzles keep the time recorded at completion.
func (m *StateMachine) Tick() int64 {
	if m.startTime == nil || m.complete {
		return m.elapsed
	}
	elapsed := int64(m.clock().Sub(*m.startTime) / time.Second)
	if elapsed > m.elapsed {
		m.elapsed = elapsed
	}
	return m.elapsed
}

// ElapsedSeconds returns the last recorded elapsed time.
func (m *StateMachine) ElapsedSeconds() int64 {
	return m.elapsed
}

// StartTime returns when the timer started, or nil.
func (m *StateMachine) StartTime() *time.Time {
	if m.startTime == nil {
		return nil
	}
	started := *m.startTime
	return &started
}

// GridSize returns the grid edge length.
func (m *StateMachine) GridSize() int {
	return m.gridSize
}

// Tiles returns a copy of the tiles in presentation order.
func (m *StateMachine) Tiles() []Tile {
	tiles := make([]Tile, len(m.tiles))
	for i, tile := range m.tiles {
		tiles[i] = tile.clone()
	}
	return tiles
}

// Snapshot captures the current state for persistence.
func (m *StateMachine) Snapshot() Snapshot {
	snapshot := Snapshot{
		Tiles:          m.Tiles(),
		GridSize:       m.gridSize,
		ElapsedSeconds: m.elapsed,
		Complete:       m.complete,
		ImageURL:       m.imageURL,
	}
	if m.startTime != nil {
		started := m.startTime.UnixMilli()
		snapshot.StartTime = &started
	}
	return snapshot
}

func (m *StateMachine) reindex() {
	m.index = make(map[string]int, len(m.tiles))
	for i, tile := range m.tiles {
		m.index[tile.ID] = i
	}
}
