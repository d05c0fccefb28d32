package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/gameplay"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createPuzzleRequestPayload struct {
	ImageURL   string `json:"imageUrl"`
	GridSize   int    `json:"gridSize"`
	Difficulty string `json:"difficulty"`
}

type puzzlePayload struct {
	PuzzleID   string `json:"puzzleId"`
	ImageURL   string `json:"imageUrl"`
	GridSize   int    `json:"gridSize"`
	Difficulty string `json:"difficulty"`
	Creator    string `json:"creator"`
	CreatedAt  string `json:"createdAt"`
}

func (h *httpHandler) handleCreatePuzzle(c *gin.Context) {
	var request createPuzzleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.catalog.Create(c.Request.Context(), catalog.CreateRequest{
		ImageURL:   request.ImageURL,
		GridSize:   request.GridSize,
		Difficulty: request.Difficulty,
		Creator:    callerIdentity(c).Username,
	})
	if err != nil {
		h.respondError(c, "create_puzzle", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"puzzleId": created.ID})
}

func (h *httpHandler) handleGetPuzzle(c *gin.Context) {
	definition, err := h.catalog.Get(c.Request.Context(), c.Param("puzzleId"))
	if err != nil {
		h.respondError(c, "get_puzzle", err)
		return
	}
	c.JSON(http.StatusOK, puzzlePayload{
		PuzzleID:   definition.ID,
		ImageURL:   definition.ImageURL,
		GridSize:   definition.GridSize,
		Difficulty: string(definition.Difficulty),
		Creator:    definition.CreatorUsername,
		CreatedAt:  definition.CreatedAt().Format(time.RFC3339),
	})
}

func (h *httpHandler) handleStartSession(c *gin.Context) {
	started, err := h.gameplay.Start(c.Request.Context(), h.sessionContext(c))
	if err != nil {
		h.respondError(c, "start_session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": started.Resumed, "state": started.Snapshot})
}

func (h *httpHandler) handleEndSession(c *gin.Context) {
	if err := h.gameplay.End(c.Request.Context(), h.sessionContext(c)); err != nil {
		h.respondError(c, "end_session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type placeRequestPayload struct {
	TileID    string `json:"tileId"`
	TargetRow *int   `json:"targetRow"`
	TargetCol *int   `json:"targetCol"`
}

type placeResponsePayload struct {
	TileID      string           `json:"tileId"`
	Accepted    bool             `json:"accepted"`
	Reason      string           `json:"reason,omitempty"`
	Position    *puzzle.Position `json:"position,omitempty"`
	Progress    float64          `json:"progress"`
	Complete    bool             `json:"complete"`
	Milestone   int              `json:"milestone"`
	ElapsedTime int64            `json:"elapsedTime"`
}

func (h *httpHandler) handlePlace(c *gin.Context) {
	var request placeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TileID) == "" || request.TargetRow == nil || request.TargetCol == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target := puzzle.Position{Row: *request.TargetRow, Col: *request.TargetCol}
	result, err := h.gameplay.Place(c.Request.Context(), h.sessionContext(c), request.TileID, target)
	if err != nil {
		h.respondError(c, "place", err)
		return
	}
	response := placeResponsePayload{
		TileID:      result.TileID,
		Accepted:    result.Accepted,
		Reason:      string(result.Reason),
		Progress:    result.Progress,
		Complete:    result.Complete,
		Milestone:   result.Milestone,
		ElapsedTime: result.ElapsedSeconds,
	}
	if result.Accepted {
		position := result.Position
		response.Position = &position
	}
	if result.Completed {
		h.logger.Info("puzzle completed",
			zap.String("puzzle_id", c.Param("puzzleId")),
			zap.String("username", callerIdentity(c).Username),
			zap.Int64("elapsed_seconds", result.ElapsedSeconds))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStartTimer(c *gin.Context) {
	timer, err := h.gameplay.StartTimer(c.Request.Context(), h.sessionContext(c))
	if err != nil {
		h.respondError(c, "start_timer", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": timer.Started, "elapsedTime": timer.ElapsedSeconds})
}

func (h *httpHandler) handleReset(c *gin.Context) {
	snapshot, err := h.gameplay.Reset(c.Request.Context(), h.sessionContext(c))
	if err != nil {
		h.respondError(c, "reset", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": snapshot})
}

type completionPayload struct {
	PuzzleID    string `json:"puzzleId"`
	Username    string `json:"username"`
	ElapsedTime int64  `json:"elapsedTime"`
	Settled     bool   `json:"settled"`

	ScoreSubmitted bool   `json:"scoreSubmitted"`
	Best           int64  `json:"best"`
	Improved       bool   `json:"improved"`
	ScoreError     string `json:"scoreError,omitempty"`

	StreakUpdated bool   `json:"streakUpdated"`
	Streak        int    `json:"streak"`
	StreakError   string `json:"streakError,omitempty"`
}

// handleCompletion retries whichever completion side effects failed. A report
// that still has failures is returned with 503 so the client retries again.
func (h *httpHandler) handleCompletion(c *gin.Context) {
	report, err := h.gameplay.RetryCompletion(c.Request.Context(), h.sessionContext(c))
	if err != nil {
		h.respondError(c, "completion", err)
		return
	}
	status := http.StatusOK
	if !report.Settled() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, newCompletionPayload(report))
}

func newCompletionPayload(report gameplay.CompletionReport) completionPayload {
	return completionPayload{
		PuzzleID:       report.PuzzleID,
		Username:       report.Username,
		ElapsedTime:    report.ElapsedSeconds,
		Settled:        report.Settled(),
		ScoreSubmitted: report.ScoreSubmitted,
		Best:           report.BestSeconds,
		Improved:       report.Improved,
		ScoreError:     report.ScoreError,
		StreakUpdated:  report.StreakUpdated,
		Streak:         report.Streak,
		StreakError:    report.StreakError,
	}
}
