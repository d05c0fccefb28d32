package puzzle

import "fmt"

// Snapshot is the persisted form of one player's in-progress puzzle. Tiles
// are kept in presentation order.
type Snapshot struct {
	Tiles          []Tile `json:"pieces"`
	GridSize       int    `json:"gridSize"`
	ElapsedSeconds int64  `json:"elapsedTime"`
	Complete       bool   `json:"isComplete"`
	// StartTime is unix milliseconds; nil until the timer starts.
	StartTime *int64 `json:"startTime"`
	ImageURL  string `json:"imageUrl"`
}

// Validate checks the placement, completion, and timer invariants.
func (s Snapshot) Validate() error {
	if err := validateTiles(s.Tiles, s.GridSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	allPlaced := true
	for _, tile := range s.Tiles {
		if !tile.consistent() {
			return fmt.Errorf("%w: tile %s placement does not match its home", ErrInvalidSnapshot, tile.ID)
		}
		allPlaced = allPlaced && tile.Placed
	}
	if s.Complete != allPlaced {
		return fmt.Errorf("%w: completion flag disagrees with tile placement", ErrInvalidSnapshot)
	}
	if s.ElapsedSeconds < 0 {
		return fmt.Errorf("%w: negative elapsed time", ErrInvalidSnapshot)
	}
	if s.StartTime == nil && s.ElapsedSeconds > 0 && !s.Complete {
		return fmt.Errorf("%w: elapsed time without a start time", ErrInvalidSnapshot)
	}
	return nil
}

// PlacedCount returns the number of placed tiles.
func (s Snapshot) PlacedCount() int {
	placed := 0
	for _, tile := range s.Tiles {
		if tile.Placed {
			placed++
		}
	}
	return placed
}
