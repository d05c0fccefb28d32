package puzzle

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testImageURL = "https://images.example.com/harbor.jpg"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestMachine(t *testing.T, gridSize int) (*StateMachine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	machine := NewStateMachine(Config{
		Clock:   clock.Now,
		Shuffle: rand.New(rand.NewPCG(7, 11)).Shuffle,
	})
	tiles, err := NewGridSlicer().Slice(context.Background(), testImageURL, gridSize)
	require.NoError(t, err)
	require.NoError(t, machine.Initialize(tiles, gridSize, testImageURL))
	return machine, clock
}

func requirePlacementInvariant(t *testing.T, machine *StateMachine) {
	t.Helper()
	for _, tile := range machine.Tiles() {
		if tile.Placed {
			require.NotNil(t, tile.Current, "placed tile %s has no position", tile.ID)
			require.Equal(t, tile.Home, *tile.Current, "placed tile %s is off its home", tile.ID)
		} else {
			require.Nil(t, tile.Current, "unplaced tile %s has a position", tile.ID)
		}
	}
}

func TestAttemptPlaceTolerance(t *testing.T) {
	testCases := []struct {
		name      string
		target    Position
		tolerance int
		accepted  bool
	}{
		{name: "exact-zero-tolerance", target: Position{Row: 2, Col: 3}, tolerance: 0, accepted: true},
		{name: "adjacent-zero-tolerance", target: Position{Row: 2, Col: 4}, tolerance: 0, accepted: false},
		{name: "upper-corner-tolerance-one", target: Position{Row: 1, Col: 2}, tolerance: 1, accepted: true},
		{name: "lower-corner-tolerance-one", target: Position{Row: 3, Col: 4}, tolerance: 1, accepted: true},
		{name: "row-too-far", target: Position{Row: 0, Col: 3}, tolerance: 1, accepted: false},
		{name: "col-too-far", target: Position{Row: 2, Col: 1}, tolerance: 1, accepted: false},
		{name: "diagonal-is-chebyshev", target: Position{Row: 4, Col: 5}, tolerance: 2, accepted: true},
		{name: "negative-tolerance-is-exact", target: Position{Row: 2, Col: 3}, tolerance: -1, accepted: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			machine, _ := newTestMachine(t, 5)
			tileID := Position{Row: 2, Col: 3}.TileID()

			placement := machine.AttemptPlace(tileID, testCase.target, testCase.tolerance)

			require.Equal(t, testCase.accepted, placement.Accepted)
			requirePlacementInvariant(t, machine)
			if testCase.accepted {
				require.Equal(t, Position{Row: 2, Col: 3}, placement.Position, "accepted tiles snap to home")
				require.InDelta(t, 4.0, machine.Progress(), 0.0001)
			} else {
				require.Equal(t, RejectOutOfTolerance, placement.Reason)
				require.Zero(t, machine.Progress())
			}
		})
	}
}

func TestAttemptPlaceIsIdempotent(t *testing.T) {
	machine, _ := newTestMachine(t, 3)
	tileID := Position{Row: 1, Col: 1}.TileID()

	first := machine.AttemptPlace(tileID, Position{Row: 1, Col: 1}, 0)
	require.True(t, first.Accepted)
	before := machine.Snapshot()

	second := machine.AttemptPlace(tileID, Position{Row: 1, Col: 1}, 0)
	require.False(t, second.Accepted)
	require.Equal(t, RejectAlreadyPlaced, second.Reason)
	require.Equal(t, before, machine.Snapshot())
}

func TestAttemptPlaceUnknownTile(t *testing.T) {
	machine, _ := newTestMachine(t, 3)

	placement := machine.AttemptPlace("piece-9-9", Position{Row: 0, Col: 0}, 10)

	require.False(t, placement.Accepted)
	require.Equal(t, RejectUnknownTile, placement.Reason)
}

func TestCompletionAfterEveryTileInArbitraryOrder(t *testing.T) {
	machine, clock := newTestMachine(t, 4)
	require.Equal(t, PhaseNotStarted, machine.Phase())
	require.True(t, machine.StartTimer())
	require.Equal(t, PhaseRunning, machine.Phase())

	order := machine.Tiles()
	rand.New(rand.NewPCG(3, 5)).Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	milestones := []int{}
	for i, tile := range order {
		clock.Advance(5 * time.Second)
		placement := machine.AttemptPlace(tile.ID, tile.Home, 0)
		require.True(t, placement.Accepted)
		requirePlacementInvariant(t, machine)
		if placement.Milestone != 0 {
			milestones = append(milestones, placement.Milestone)
		}
		if i < len(order)-1 {
			require.False(t, placement.Completed)
			require.False(t, machine.IsComplete())
			require.Less(t, machine.Progress(), 100.0)
		} else {
			require.True(t, placement.Completed)
			require.True(t, machine.IsComplete())
			require.Equal(t, 100.0, machine.Progress())
		}
	}

	require.Equal(t, []int{25, 50, 75}, milestones)
	require.Equal(t, PhaseComplete, machine.Phase())
	require.EqualValues(t, 80, machine.ElapsedSeconds())

	clock.Advance(time.Minute)
	require.EqualValues(t, 80, machine.Tick(), "completed puzzles keep their time")
	require.False(t, machine.StartTimer())

	again := machine.AttemptPlace(order[0].ID, order[0].Home, 0)
	require.False(t, again.Accepted)
	require.Equal(t, RejectPuzzleCompleted, again.Reason)
}

func TestStartTimerIsIdempotent(t *testing.T) {
	machine, clock := newTestMachine(t, 3)

	require.True(t, machine.StartTimer())
	started := machine.StartTime()
	clock.Advance(10 * time.Second)
	require.False(t, machine.StartTimer())
	require.Equal(t, started, machine.StartTime())
	require.EqualValues(t, 10, machine.Tick())
}

func TestResetClearsProgressAndTimer(t *testing.T) {
	machine, clock := newTestMachine(t, 3)
	machine.StartTimer()
	for _, tile := range machine.Tiles() {
		machine.AttemptPlace(tile.ID, tile.Home, 0)
	}
	clock.Advance(time.Minute)
	require.True(t, machine.IsComplete())

	machine.Reset()

	require.Zero(t, machine.Progress())
	require.False(t, machine.IsComplete())
	require.Nil(t, machine.StartTime())
	require.Zero(t, machine.ElapsedSeconds())
	require.Equal(t, PhaseNotStarted, machine.Phase())
	requirePlacementInvariant(t, machine)
	require.True(t, machine.StartTimer(), "reset re-enters the not started phase")
}

func TestInitializeShufflesOrderButKeepsHomes(t *testing.T) {
	tiles, err := NewGridSlicer().Slice(context.Background(), testImageURL, 4)
	require.NoError(t, err)
	reverse := func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	machine := NewStateMachine(Config{Shuffle: reverse})
	require.NoError(t, machine.Initialize(tiles, 4, testImageURL))

	offered := machine.Tiles()
	require.Len(t, offered, 16)
	require.Equal(t, tiles[15].ID, offered[0].ID)
	for _, tile := range offered {
		require.Equal(t, tile.Home.TileID(), tile.ID)
		require.False(t, tile.Placed)
	}
	require.Nil(t, tiles[0].Current, "input tiles are not mutated")
}

func TestInitializeRejectsIncompleteTileSet(t *testing.T) {
	tiles, err := NewGridSlicer().Slice(context.Background(), testImageURL, 3)
	require.NoError(t, err)
	machine := NewStateMachine(Config{})

	require.ErrorIs(t, machine.Initialize(tiles[:8], 3, testImageURL), ErrInvalidTileSet)

	duplicated := append([]Tile{}, tiles...)
	duplicated[1].Home = duplicated[0].Home
	require.ErrorIs(t, machine.Initialize(duplicated, 3, testImageURL), ErrInvalidTileSet)

	require.ErrorIs(t, machine.Initialize(tiles, 1, testImageURL), ErrInvalidGridSize)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	machine, clock := newTestMachine(t, 3)
	machine.StartTimer()
	tiles := machine.Tiles()
	machine.AttemptPlace(tiles[0].ID, tiles[0].Home, 0)
	machine.AttemptPlace(tiles[4].ID, tiles[4].Home, 0)
	clock.Advance(42 * time.Second)
	machine.Tick()
	snapshot := machine.Snapshot()

	restored := NewStateMachine(Config{Clock: clock.Now})
	require.NoError(t, restored.Restore(snapshot))

	require.Equal(t, snapshot, restored.Snapshot())
	require.InDelta(t, machine.Progress(), restored.Progress(), 0.0001)
	require.Equal(t, PhaseRunning, restored.Phase())
	require.EqualValues(t, 42, restored.ElapsedSeconds())

	placement := restored.AttemptPlace(tiles[0].ID, tiles[0].Home, 0)
	require.Equal(t, RejectAlreadyPlaced, placement.Reason)
}

func TestRestoreRejectsInconsistentSnapshot(t *testing.T) {
	machine, _ := newTestMachine(t, 3)
	snapshot := machine.Snapshot()

	offHome := snapshot
	offHome.Tiles = machine.Tiles()
	wrong := Position{Row: offHome.Tiles[0].Home.Row, Col: (offHome.Tiles[0].Home.Col + 1) % 3}
	offHome.Tiles[0].Current = &wrong
	offHome.Tiles[0].Placed = true
	require.ErrorIs(t, NewStateMachine(Config{}).Restore(offHome), ErrInvalidSnapshot)

	falseComplete := snapshot
	falseComplete.Complete = true
	require.ErrorIs(t, NewStateMachine(Config{}).Restore(falseComplete), ErrInvalidSnapshot)

	negative := snapshot
	negative.ElapsedSeconds = -1
	require.ErrorIs(t, NewStateMachine(Config{}).Restore(negative), ErrInvalidSnapshot)
}
