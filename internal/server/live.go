package server

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/leaderboard"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	liveMessageTypeLeaderboard = "leaderboard"
	liveWriteTimeout           = 5 * time.Second
)

type liveLeaderboardMessage struct {
	Type        string                    `json:"type"`
	PuzzleID    string                    `json:"puzzleId"`
	Leaderboard []leaderboardEntryPayload `json:"leaderboard"`
}

// handleLiveLeaderboard streams the puzzle's top-N over a websocket: once on
// connect, then whenever a submission changes the ranking or the poll finds a
// different one.
func (h *httpHandler) handleLiveLeaderboard(c *gin.Context) {
	puzzleID := c.Param("puzzleId")
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("live leaderboard upgrade failed", zap.String("puzzle_id", puzzleID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(c.Request.Context())
	changes, release := h.feed.Watch(ctx, puzzleID)
	defer release()

	poller := leaderboard.NewPoller(leaderboard.PollerConfig{
		Reader:   h.leaderboard,
		PuzzleID: puzzleID,
		Limit:    h.topN,
		Interval: h.pollInterval,
		Logger:   h.logger,
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				poller.Refresh()
			}
		}
	}()

	err = poller.Run(ctx, func(entries []leaderboard.Entry) error {
		writeCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, liveLeaderboardMessage{
			Type:        liveMessageTypeLeaderboard,
			PuzzleID:    puzzleID,
			Leaderboard: newLeaderboardPayload(entries),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		h.logger.Debug("live leaderboard stream ended", zap.String("puzzle_id", puzzleID), zap.Error(err))
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
