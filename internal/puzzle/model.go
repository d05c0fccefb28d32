// Package puzzle holds the tile model and the placement state machine of a
// single jigsaw play-through.
package puzzle

import (
	"errors"
	"fmt"
)

const (
	// MinGridSize is the smallest playable grid edge.
	MinGridSize = 2
	// MaxGridSize bounds the grid edge accepted from snapshots and the slicer.
	MaxGridSize = 12
)

var (
	// ErrInvalidGridSize indicates a grid edge outside [MinGridSize, MaxGridSize].
	ErrInvalidGridSize = errors.New("puzzle: invalid grid size")
	// ErrInvalidTileSet indicates tiles that do not cover the grid exactly once.
	ErrInvalidTileSet = errors.New("puzzle: invalid tile set")
	// ErrInvalidSnapshot indicates a snapshot that violates the placement invariants.
	ErrInvalidSnapshot = errors.New("puzzle: invalid snapshot")
)

// Position is a grid coordinate.
type Position struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Within reports whether p lies within tolerance cells of target on each axis.
func (p Position) Within(target Position, tolerance int) bool {
	return abs(p.Row-target.Row) <= tolerance && abs(p.Col-target.Col) <= tolerance
}

func (p Position) inGrid(gridSize int) bool {
	return p.Row >= 0 && p.Row < gridSize && p.Col >= 0 && p.Col < gridSize
}

// TileID returns the identifier assigned to the tile whose home is p.
func (p Position) TileID() string {
	return fmt.Sprintf("piece-%d-%d", p.Row, p.Col)
}

// Tile is one slice of the source image. Home never changes; Current and
// Placed change together.
type Tile struct {
	ID       string    `json:"id"`
	ImageRef string    `json:"imageData"`
	Home     Position  `json:"correctPosition"`
	Current  *Position `json:"currentPosition"`
	Placed   bool      `json:"isPlaced"`
}

func (t Tile) consistent() bool {
	if !t.Placed {
		return t.Current == nil
	}
	return t.Current != nil && *t.Current == t.Home
}

func (t Tile) clone() Tile {
	copied := t
	if t.Current != nil {
		current := *t.Current
		copied.Current = &current
	}
	return copied
}

func (t *Tile) place() {
	home := t.Home
	t.Current = &home
	t.Placed = true
}

func (t *Tile) unplace() {
	t.Current = nil
	t.Placed = false
}

// ValidateGridSize checks a grid edge against the supported bounds.
func ValidateGridSize(gridSize int) error {
	if gridSize < MinGridSize || gridSize > MaxGridSize {
		return fmt.Errorf("%w: %d", ErrInvalidGridSize, gridSize)
	}
	return nil
}

// validateTiles checks that tiles cover every cell of the grid exactly once
// with unique identifiers.
func validateTiles(tiles []Tile, gridSize int) error {
	if err := ValidateGridSize(gridSize); err != nil {
		return err
	}
	if len(tiles) != gridSize*gridSize {
		return fmt.Errorf("%w: expected %d tiles, got %d", ErrInvalidTileSet, gridSize*gridSize, len(tiles))
	}
	homes := make(map[Position]struct{}, len(tiles))
	ids := make(map[string]struct{}, len(tiles))
	for _, tile := range tiles {
		if tile.ID == "" {
			return fmt.Errorf("%w: empty tile id", ErrInvalidTileSet)
		}
		if !tile.Home.inGrid(gridSize) {
			return fmt.Errorf("%w: tile %s home %+v outside grid", ErrInvalidTileSet, tile.ID, tile.Home)
		}
		if _, dup := homes[tile.Home]; dup {
			return fmt.Errorf("%w: duplicate home %+v", ErrInvalidTileSet, tile.Home)
		}
		if _, dup := ids[tile.ID]; dup {
			return fmt.Errorf("%w: duplicate tile id %s", ErrInvalidTileSet, tile.ID)
		}
		homes[tile.Home] = struct{}{}
		ids[tile.ID] = struct{}{}
	}
	return nil
}

func abs(value int) int {
	if value < 0 {
		return -value
	}
	return value
}
