package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/database"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/gameplay"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/players"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/saves"
	"github.com/MarcoPoloResearchLab/jigsaw/backend/internal/streaks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "host_session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serverHarness struct {
	handler http.Handler
	clock   *testClock
	issuer  *auth.SessionIssuer
	store   *kvstore.SQLStore
	catalog *catalog.Service
	manager *gameplay.Manager
	feed    *LeaderboardFeed
}

// newServerHarness wires the real services over a temporary sqlite database.
// customize may replace dependencies before the handler is built.
func newServerHarness(t *testing.T, customize func(*Dependencies)) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "jigsaw.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	store, err := kvstore.NewSQLStore(kvstore.SQLStoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	puzzles, err := catalog.NewService(catalog.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	playerService, err := players.NewService(players.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build players: %v", err)
	}
	gateway, err := saves.NewGateway(saves.GatewayConfig{Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build save gateway: %v", err)
	}
	feed := NewLeaderboardFeed()
	board, err := leaderboard.NewService(leaderboard.ServiceConfig{Store: store, Clock: clock.Now, Notifier: feed})
	if err != nil {
		t.Fatalf("failed to build leaderboard: %v", err)
	}
	streakService, err := streaks.NewService(streaks.ServiceConfig{Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build streaks: %v", err)
	}
	manager, err := gameplay.NewManager(gameplay.ManagerConfig{
		Puzzles:  puzzles,
		Saves:    gateway,
		Scores:   board,
		Streaks:  streakService,
		Debounce: 5 * time.Millisecond,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build gameplay manager: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.Close(context.Background())
	})

	sessions, err := auth.NewHostSessions(auth.HostSessionConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build host sessions: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build session issuer: %v", err)
	}

	deps := Dependencies{
		Identity:     sessions,
		Players:      playerService,
		Catalog:      puzzles,
		Gameplay:     manager,
		Saves:        gateway,
		Leaderboard:  board,
		Streaks:      streakService,
		Feed:         feed,
		TopN:         5,
		PollInterval: time.Hour,
	}
	if customize != nil {
		customize(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &serverHarness{
		handler: handler,
		clock:   clock,
		issuer:  issuer,
		store:   store,
		catalog: puzzles,
		manager: manager,
		feed:    feed,
	}
}

func (h *serverHarness) sessionCookie(t *testing.T, userID, username string) *http.Cookie {
	t.Helper()
	token, _, err := h.issuer.Issue(context.Background(), auth.SessionRequest{UserID: userID, Username: username})
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: token}
}

func (h *serverHarness) do(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *serverHarness) createPuzzle(t *testing.T, cookie *http.Cookie, gridSize int) string {
	t.Helper()
	recorder := h.do(t, http.MethodPost, "/api/puzzles", map[string]any{
		"imageUrl":   "https://images.example.com/lighthouse.jpg",
		"gridSize":   gridSize,
		"difficulty": "easy",
	}, cookie)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating puzzle, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		PuzzleID string `json:"puzzleId"`
	}
	decodeBody(t, recorder, &created)
	if created.PuzzleID == "" {
		t.Fatalf("expected puzzle id in response")
	}
	return created.PuzzleID
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
