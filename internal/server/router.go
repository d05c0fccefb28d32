package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/gameplay"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/players"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/puzzle"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/saves"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/streaks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey  = "jigsaw_identity"
	defaultLeaderboardN = 5
	maxLeaderboardLimit = 100
)

var (
	errMissingIdentityProvider = errors.New("identity provider dependency required")
	errMissingCatalog          = errors.New("catalog dependency required")
	errMissingGameplay         = errors.New("gameplay manager dependency required")
	errMissingSaves            = errors.New("save gateway dependency required")
	errMissingLeaderboard      = errors.New("leaderboard dependency required")
	errMissingStreaks          = errors.New("streak dependency required")
)

// PlayerResolver maps session claims to a canonical player.
type PlayerResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (players.Player, error)
}

// PuzzleCatalog creates and reads puzzle definitions.
type PuzzleCatalog interface {
	Create(ctx context.Context, request catalog.CreateRequest) (catalog.Puzzle, error)
	Get(ctx context.Context, puzzleID string) (catalog.Puzzle, error)
}

// SaveGateway persists snapshots submitted by clients that play locally.
type SaveGateway interface {
	Save(ctx context.Context, owner saves.Owner, snapshot puzzle.Snapshot) error
	Load(ctx context.Context, owner saves.Owner) saves.LoadResult
}

// Leaderboard records and ranks best times.
type Leaderboard interface {
	Submit(ctx context.Context, puzzleID, username string, timeSeconds int64) (leaderboard.SubmitResult, error)
	Top(ctx context.Context, puzzleID string, limit int) ([]leaderboard.Entry, error)
}

// StreakTracker maintains daily play streaks.
type StreakTracker interface {
	Update(ctx context.Context, username string) (streaks.Record, error)
	Current(ctx context.Context, username string) (streaks.Record, error)
	DailyPlayers(ctx context.Context, date string) (int64, error)
	Today() string
}

// Dependencies wires the services behind the HTTP surface. Players and
// Feed are optional.
type Dependencies struct {
	Identity     auth.IdentityProvider
	Players      PlayerResolver
	Catalog      PuzzleCatalog
	Gameplay     *gameplay.Manager
	Saves        SaveGateway
	Leaderboard  Leaderboard
	Streaks      StreakTracker
	Feed         *LeaderboardFeed
	TopN         int
	PollInterval time.Duration
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Identity == nil:
		return nil, errMissingIdentityProvider
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Gameplay == nil:
		return nil, errMissingGameplay
	case deps.Saves == nil:
		return nil, errMissingSaves
	case deps.Leaderboard == nil:
		return nil, errMissingLeaderboard
	case deps.Streaks == nil:
		return nil, errMissingStreaks
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	topN := deps.TopN
	if topN <= 0 {
		topN = defaultLeaderboardN
	}
	pollInterval := deps.PollInterval
	if pollInterval <= 0 {
		pollInterval = leaderboard.DefaultPollInterval
	}
	feed := deps.Feed
	if feed == nil {
		feed = NewLeaderboardFeed()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		identity:     deps.Identity,
		players:      deps.Players,
		catalog:      deps.Catalog,
		gameplay:     deps.Gameplay,
		saves:        deps.Saves,
		leaderboard:  deps.Leaderboard,
		streaks:      deps.Streaks,
		feed:         feed,
		topN:         topN,
		pollInterval: pollInterval,
		logger:       logger,
	}

	api := router.Group("/api")
	api.Use(handler.identifyRequest)

	api.GET("/currentUser", handler.handleCurrentUser)
	api.GET("/puzzles/:puzzleId", handler.handleGetPuzzle)
	api.POST("/submitScore", handler.handleSubmitScore)
	api.GET("/leaderboard/:puzzleId", handler.handleLeaderboard)
	api.GET("/leaderboard/:puzzleId/live", handler.handleLiveLeaderboard)
	api.POST("/updateStreak", handler.handleUpdateStreak)
	api.GET("/userStreak/:username", handler.handleUserStreak)
	api.GET("/dailyPlayers", handler.handleDailyPlayers)

	protected := api.Group("/")
	protected.Use(handler.requirePlayer)
	protected.POST("/puzzles", handler.handleCreatePuzzle)
	protected.POST("/puzzles/:puzzleId/session", handler.handleStartSession)
	protected.DELETE("/puzzles/:puzzleId/session", handler.handleEndSession)
	protected.POST("/puzzles/:puzzleId/place", handler.handlePlace)
	protected.POST("/puzzles/:puzzleId/timer", handler.handleStartTimer)
	protected.POST("/puzzles/:puzzleId/reset", handler.handleReset)
	protected.POST("/puzzles/:puzzleId/completion", handler.handleCompletion)
	protected.POST("/save", handler.handleSave)
	protected.GET("/load", handler.handleLoad)

	return router, nil
}

// corsMiddleware reflects the calling origin so the host page can send its
// session cookie along.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", auth.SessionHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	identity     auth.IdentityProvider
	players      PlayerResolver
	catalog      PuzzleCatalog
	gameplay     *gameplay.Manager
	saves        SaveGateway
	leaderboard  Leaderboard
	streaks      StreakTracker
	feed         *LeaderboardFeed
	topN         int
	pollInterval time.Duration
	logger       *zap.Logger
}

// requestIdentity is the caller as seen by handlers. UserID is the canonical
// player id, empty for anonymous callers.
type requestIdentity struct {
	Username  string
	UserID    string
	Anonymous bool
}

func (h *httpHandler) identifyRequest(c *gin.Context) {
	identity, err := h.identity.Identify(c.Request)
	if err != nil && !errors.Is(err, auth.ErrNoSession) {
		if errors.Is(err, auth.ErrSessionExpired) {
			h.logger.Info("session expired", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
	}

	caller := requestIdentity{Username: identity.Username(), UserID: identity.UserID(), Anonymous: identity.Anonymous}
	if !identity.Anonymous && h.players != nil {
		player, resolveErr := h.players.Resolve(c.Request.Context(), identity.Claims)
		if resolveErr != nil {
			h.logger.Warn("player resolution failed", zap.String("user_id", caller.UserID), zap.Error(resolveErr))
			caller = requestIdentity{Username: auth.AnonymousUsername, Anonymous: true}
		} else {
			caller.UserID = player.UserID
			caller.Username = player.Username
		}
	}
	c.Set(identityContextKey, caller)
	c.Next()
}

func (h *httpHandler) requirePlayer(c *gin.Context) {
	if callerIdentity(c).Anonymous {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func callerIdentity(c *gin.Context) requestIdentity {
	if value, ok := c.Get(identityContextKey); ok {
		if caller, ok := value.(requestIdentity); ok {
			return caller
		}
	}
	return requestIdentity{Username: auth.AnonymousUsername, Anonymous: true}
}

func (h *httpHandler) sessionContext(c *gin.Context) gameplay.SessionContext {
	caller := callerIdentity(c)
	return gameplay.SessionContext{
		UserID:           caller.UserID,
		Username:         caller.Username,
		PuzzleInstanceID: c.Param("puzzleId"),
	}
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"username": callerIdentity(c).Username})
}

// respondError maps the error taxonomy onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, reason := classifyError(err)
	code := serviceerr.Code(err)
	fields := []zap.Field{zap.String("operation", operation), zap.String("code", code), zap.Error(err)}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
	case status != http.StatusNotFound:
		h.logger.Debug("request rejected", fields...)
	}
	c.JSON(status, gin.H{"error": reason, "code": code})
}

func classifyError(err error) (int, string) {
	var imageErr *puzzle.ImageLoadError
	switch {
	case errors.As(err, &imageErr):
		return http.StatusUnprocessableEntity, "image_load_failed"
	case errors.Is(err, gameplay.ErrManagerClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case isStoreUnavailable(err):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, gameplay.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, catalog.ErrPuzzleNotFound):
		return http.StatusNotFound, "puzzle_not_found"
	case errors.Is(err, gameplay.ErrNotCompleted):
		return http.StatusConflict, "not_completed"
	case isValidationError(err):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

var validationErrors = []error{
	catalog.ErrInvalidImageURL,
	catalog.ErrInvalidGridSize,
	catalog.ErrInvalidDifficulty,
	catalog.ErrInvalidCreator,
	catalog.ErrInvalidPuzzleID,
	gameplay.ErrInvalidSession,
	leaderboard.ErrInvalidPuzzleID,
	leaderboard.ErrInvalidUsername,
	leaderboard.ErrInvalidTime,
	streaks.ErrInvalidUsername,
	streaks.ErrInvalidDate,
	saves.ErrInvalidOwner,
	puzzle.ErrInvalidSnapshot,
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// unavailableReasons are service reasons caused by a storage backend failure.
var unavailableReasons = []string{".store_unavailable", ".puzzle_unavailable", ".query_failed", ".persist_failed"}

func isStoreUnavailable(err error) bool {
	if errors.Is(err, kvstore.ErrUnavailable) {
		return true
	}
	code := serviceerr.Code(err)
	if code == "" {
		return false
	}
	for _, suffix := range unavailableReasons {
		if strings.HasSuffix(code, suffix) {
			return true
		}
	}
	return false
}
