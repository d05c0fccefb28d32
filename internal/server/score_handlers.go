package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/saves"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type saveRequestPayload struct {
	PuzzleID string          `json:"puzzleId"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// handleSave persists a client-held snapshot. Store failures are logged and
// reported as success=false with 200 so play is never interrupted.
func (h *httpHandler) handleSave(c *gin.Context) {
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PuzzleID) == "" || len(request.Snapshot) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var snapshot puzzle.Snapshot
	if err := json.Unmarshal(request.Snapshot, &snapshot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
		return
	}
	if err := snapshot.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
		return
	}

	caller := callerIdentity(c)
	owner := saves.Owner{PuzzleInstanceID: request.PuzzleID, UserID: caller.UserID}
	if err := h.saves.Save(c.Request.Context(), owner, snapshot); err != nil {
		h.logger.Warn("save failed",
			zap.String("puzzle_id", request.PuzzleID),
			zap.String("user_id", caller.UserID),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"success": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleLoad returns the caller's snapshot. Unreadable saves read as not found.
func (h *httpHandler) handleLoad(c *gin.Context) {
	puzzleID := strings.TrimSpace(c.Query("puzzleId"))
	if puzzleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	loaded := h.saves.Load(c.Request.Context(), saves.Owner{PuzzleInstanceID: puzzleID, UserID: callerIdentity(c).UserID})
	if !loaded.Found {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":   true,
		"data":    loaded.Snapshot,
		"savedAt": loaded.SavedAt.UTC().Format(time.RFC3339),
	})
}

type submitScoreRequestPayload struct {
	PuzzleID string `json:"puzzleId"`
	Username string `json:"username"`
	Time     *int64 `json:"time"`
}

func (h *httpHandler) handleSubmitScore(c *gin.Context) {
	var request submitScoreRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Time == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	username := h.requestUsername(c, request.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.leaderboard.Submit(c.Request.Context(), request.PuzzleID, username, *request.Time)
	if err != nil {
		h.respondError(c, "submit_score", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "best": result.BestSeconds, "improved": result.Improved})
}

type leaderboardEntryPayload struct {
	Rank        int    `json:"rank"`
	Username    string `json:"username"`
	Time        int64  `json:"time"`
	CompletedAt string `json:"completedAt,omitempty"`
}

func newLeaderboardPayload(entries []leaderboard.Entry) []leaderboardEntryPayload {
	payload := make([]leaderboardEntryPayload, 0, len(entries))
	for _, entry := range entries {
		item := leaderboardEntryPayload{
			Rank:     entry.Rank,
			Username: entry.Username,
			Time:     entry.TimeSeconds,
		}
		if !entry.CompletedAt.IsZero() {
			item.CompletedAt = entry.CompletedAt.UTC().Format(time.RFC3339)
		}
		payload = append(payload, item)
	}
	return payload
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	limit := h.topN
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxLeaderboardLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	entries, err := h.leaderboard.Top(c.Request.Context(), c.Param("puzzleId"), limit)
	if err != nil {
		h.respondError(c, "leaderboard", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": newLeaderboardPayload(entries)})
}

type updateStreakRequestPayload struct {
	Username string `json:"username"`
}

func (h *httpHandler) handleUpdateStreak(c *gin.Context) {
	var request updateStreakRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	username := h.requestUsername(c, request.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.streaks.Update(c.Request.Context(), username)
	if err != nil {
		h.respondError(c, "update_streak", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "streak": record.CurrentStreak})
}

func (h *httpHandler) handleUserStreak(c *gin.Context) {
	record, err := h.streaks.Current(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.respondError(c, "user_streak", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currentStreak": record.CurrentStreak, "lastPlayedDate": record.LastPlayedDate})
}

func (h *httpHandler) handleDailyPlayers(c *gin.Context) {
	date := strings.TrimSpace(c.Query("date"))
	if date == "" {
		date = h.streaks.Today()
	}
	count, err := h.streaks.DailyPlayers(c.Request.Context(), date)
	if err != nil {
		h.respondError(c, "daily_players", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "count": count})
}

// requestUsername prefers the username in the body and falls back to the
// session's. The anonymous sentinel never names a player.
func (h *httpHandler) requestUsername(c *gin.Context, provided string) string {
	username := strings.TrimSpace(provided)
	if username == "" {
		username = callerIdentity(c).Username
	}
	if username == auth.AnonymousUsername {
		return ""
	}
	return username
}
