//nolint:noctx // Test file uses http.NewRequest for simplicity
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/internal/notify"
	"github.com/aimd54/travelqa/internal/realtime"
	"github.com/aimd54/travelqa/internal/repository"
	"github.com/aimd54/travelqa/internal/service/badges"
	"github.com/aimd54/travelqa/internal/service/leaderboard"
	"github.com/aimd54/travelqa/pkg/logger"
)

// Mock Badge Service
type mockBadgeService struct {
	catalog    []models.BadgeDefinition
	userBadges map[uint][]models.UserBadge
	progress   map[uint][]badges.ProgressView
	stats      map[uint]*badges.UserBadgeStats
	granted    []badges.AwardResult
	checkErr   error
	checked    []uint
}

func newMockBadgeService() *mockBadgeService {
	return &mockBadgeService{
		userBadges: make(map[uint][]models.UserBadge),
		progress:   make(map[uint][]badges.ProgressView),
		stats:      make(map[uint]*badges.UserBadgeStats),
	}
}

func (m *mockBadgeService) GetBadgeCatalog(context.Context) ([]models.BadgeDefinition, error) {
	return m.catalog, nil
}

func (m *mockBadgeService) GetBadge(_ context.Context, id uint) (*models.BadgeDefinition, error) {
	for i := range m.catalog {
		if m.catalog[i].ID == id {
			return &m.catalog[i], nil
		}
	}
	if id == 500 {
		return nil, errors.New("database is locked")
	}
	return nil, fmt.Errorf("badge %d: %w", id, repository.ErrNotFound)
}

func (m *mockBadgeService) GetUserBadges(_ context.Context, userID uint) ([]models.UserBadge, error) {
	return m.userBadges[userID], nil
}

func (m *mockBadgeService) GetUserProgress(_ context.Context, userID uint) ([]badges.ProgressView, error) {
	views, ok := m.progress[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, badges.ErrStatsUnavailable)
	}
	return views, nil
}

func (m *mockBadgeService) GetUserStats(_ context.Context, userID uint) (*badges.UserBadgeStats, error) {
	stats, ok := m.stats[userID]
	if !ok {
		return &badges.UserBadgeStats{UserID: userID}, nil
	}
	return stats, nil
}

func (m *mockBadgeService) CheckAndAward(_ context.Context, userID uint) ([]badges.AwardResult, error) {
	m.checked = append(m.checked, userID)
	return m.granted, m.checkErr
}

// Mock holder repository
type mockHolderRepository struct {
	holders map[uint][]models.User
}

func (m *mockHolderRepository) GetBadgeHolders(_ context.Context, badgeID uint, limit int) ([]models.User, error) {
	holders := m.holders[badgeID]
	if limit > 0 && len(holders) > limit {
		holders = holders[:limit]
	}
	return holders, nil
}

func (m *mockHolderRepository) GetBadgeHoldersCount(_ context.Context, badgeID uint) (int64, error) {
	return int64(len(m.holders[badgeID])), nil
}

// Mock Leaderboard Service
type mockLeaderboardService struct {
	global     map[string][]leaderboard.Entry
	byCategory map[string][]leaderboard.Entry
	ranks      map[uint]int
}

func newMockLeaderboardService() *mockLeaderboardService {
	return &mockLeaderboardService{
		global:     make(map[string][]leaderboard.Entry),
		byCategory: make(map[string][]leaderboard.Entry),
		ranks:      make(map[uint]int),
	}
}

func (m *mockLeaderboardService) GetGlobalLeaderboard(_ context.Context, metric string, limit int) ([]leaderboard.Entry, error) {
	entries := m.global[metric]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *mockLeaderboardService) GetCategoryLeaderboard(_ context.Context, category, metric string, limit int) ([]leaderboard.Entry, error) {
	entries := m.byCategory[category+":"+metric]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *mockLeaderboardService) GetUserRank(_ context.Context, userID uint, _ string) (int, error) {
	rank, ok := m.ranks[userID]
	if !ok {
		return 0, leaderboard.ErrUserNotRanked
	}
	return rank, nil
}

// Mock sweep runner
type mockSweepRunner struct {
	result badges.BatchResult
	last   *badges.BatchResult
}

func (m *mockSweepRunner) RunSweep(context.Context) badges.BatchResult {
	m.last = &m.result
	return m.result
}

func (m *mockSweepRunner) LastRun() *badges.BatchResult {
	return m.last
}

// Mock activity publisher
type mockActivity struct {
	adopted   []realtime.AnswerAdoptedPayload
	reactions []realtime.ReactionUpdatedPayload
	granted   []badges.AwardResult
	err       error
}

func (m *mockActivity) AnswerAdopted(_ context.Context, p realtime.AnswerAdoptedPayload) ([]badges.AwardResult, error) {
	if p.AnswerID == 0 {
		return nil, notify.ErrInvalidEvent
	}
	m.adopted = append(m.adopted, p)
	return m.granted, m.err
}

func (m *mockActivity) ReactionUpdated(_ context.Context, p realtime.ReactionUpdatedPayload) error {
	if p.LikeCount < 0 {
		return fmt.Errorf("%w: negative", notify.ErrInvalidEvent)
	}
	m.reactions = append(m.reactions, p)
	return m.err
}

type staticMetrics struct {
	snapshot realtime.MetricsSnapshot
}

func (s staticMetrics) Metrics() realtime.MetricsSnapshot { return s.snapshot }

// Test Setup
type testDeps struct {
	badges      *mockBadgeService
	holders     *mockHolderRepository
	leaderboard *mockLeaderboardService
	sweeps      *mockSweepRunner
	activity    *mockActivity
}

func setupTestHandler() (*gin.Engine, *testDeps) {
	deps := &testDeps{
		badges:      newMockBadgeService(),
		holders:     &mockHolderRepository{holders: make(map[uint][]models.User)},
		leaderboard: newMockLeaderboardService(),
		sweeps:      &mockSweepRunner{},
		activity:    &mockActivity{},
	}

	handler := NewHandler(Services{
		Badges:      deps.badges,
		Holders:     deps.holders,
		Leaderboard: deps.leaderboard,
		Sweeps:      deps.sweeps,
		Activity:    deps.activity,
		Realtime:    staticMetrics{snapshot: realtime.MetricsSnapshot{TotalConnections: 4, ActiveConnections: 3}},
	}, logger.New("debug", "text", "stdout"))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, deps
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w, response
}

func TestGetBadgeCatalog(t *testing.T) {
	router, deps := setupTestHandler()
	deps.badges.catalog = []models.BadgeDefinition{
		{ID: 1, Code: "tokyo-expert", Name: "Tokyo Expert", RuleType: models.RuleCategoryExpert, IsActive: true},
		{ID: 2, Code: "helpful", Name: "Helpful", RuleType: models.RuleAchievement, IsActive: true},
	}

	w, response := doRequest(t, router, http.MethodGet, "/api/v1/badges", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), response["total_badges"])
	assert.NotNil(t, response["generated_at"])
}

func TestGetBadgeByID(t *testing.T) {
	router, deps := setupTestHandler()
	deps.badges.catalog = []models.BadgeDefinition{
		{ID: 1, Code: "tokyo-expert", Name: "Tokyo Expert", RuleType: models.RuleCategoryExpert, IsActive: true},
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "found", path: "/api/v1/badges/1", wantStatus: http.StatusOK},
		{name: "not found", path: "/api/v1/badges/99", wantStatus: http.StatusNotFound},
		{name: "backend failure", path: "/api/v1/badges/500", wantStatus: http.StatusInternalServerError},
		{name: "invalid id", path: "/api/v1/badges/abc", wantStatus: http.StatusBadRequest},
		{name: "zero id", path: "/api/v1/badges/0", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := doRequest(t, router, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.NotEmpty(t, response["error"])
				assert.NotNil(t, response["timestamp"])
			}
		})
	}
}

func TestGetBadgeHolders(t *testing.T) {
	router, deps := setupTestHandler()
	deps.holders.holders[1] = []models.User{
		{ID: 1, Username: "alice"},
		{ID: 2, Username: "bob"},
		{ID: 3, Username: "carol"},
	}

	w, response := doRequest(t, router, http.MethodGet, "/api/v1/badges/1/holders?limit=2", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), response["total_holders"])
	assert.Equal(t, float64(2), response["limited_to"])

	w, _ = doRequest(t, router, http.MethodGet, "/api/v1/badges/1/holders?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(t, router, http.MethodGet, "/api/v1/badges/1/holders?limit=5000", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunSweep(t *testing.T) {
	router, deps := setupTestHandler()

	w, _ := doRequest(t, router, http.MethodGet, "/api/v1/badges/sweep", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	deps.sweeps.result = badges.BatchResult{Processed: 12, Granted: 3, Duration: time.Second}
	w, response := doRequest(t, router, http.MethodPost, "/api/v1/badges/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := response["result"].(map[string]any)
	assert.Equal(t, float64(12), result["processed"])
	assert.Equal(t, float64(3), result["granted"])

	w, _ = doRequest(t, router, http.MethodGet, "/api/v1/badges/sweep", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunSweep_Cancelled(t *testing.T) {
	router, deps := setupTestHandler()
	deps.sweeps.result = badges.BatchResult{Processed: 1, Cancelled: true}

	w, _ := doRequest(t, router, http.MethodPost, "/api/v1/badges/sweep", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetUserBadges(t *testing.T) {
	router, deps := setupTestHandler()
	earned := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	deps.badges.userBadges[7] = []models.UserBadge{
		{UserID: 7, BadgeID: 2, EarnedAt: earned, Badge: &models.BadgeDefinition{ID: 2, Code: "helpful", RuleType: models.RuleAchievement}},
		{UserID: 7, BadgeID: 1, EarnedAt: earned.Add(time.Hour), Badge: &models.BadgeDefinition{ID: 1, Code: "tokyo-expert", RuleType: models.RuleCategoryExpert}},
	}

	w, response := doRequest(t, router, http.MethodGet, "/api/v1/users/7/badges", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), response["total_badges"])
	primary := response["primary_badge"].(map[string]any)
	assert.Equal(t, float64(1), primary["badge_id"], "category expert outranks achievement")
}

func TestGetUserProgress(t *testing.T) {
	router, deps := setupTestHandler()
	deps.badges.progress[7] = []badges.ProgressView{
		{BadgeID: 1, Code: "tokyo-expert", Progress: 0.5, Percent: 50},
	}

	w, response := doRequest(t, router, http.MethodGet, "/api/v1/users/7/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, response["progress"], 1)

	w, _ = doRequest(t, router, http.MethodGet, "/api/v1/users/8/progress", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetUserStats(t *testing.T) {
	router, deps := setupTestHandler()
	deps.badges.stats[7] = &badges.UserBadgeStats{UserID: 7, TotalBadges: 4}
	deps.leaderboard.ranks[7] = 2

	w, response := doRequest(t, router, http.MethodGet, "/api/v1/users/7/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), response["rank"])
	assert.Equal(t, "points", response["metric"])

	w, response = doRequest(t, router, http.MethodGet, "/api/v1/users/8/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, hasRank := response["rank"]
	assert.False(t, hasRank, "unranked users have no rank field")

	w, _ = doRequest(t, router, http.MethodGet, "/api/v1/users/7/stats?metric=karma", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckUserBadges(t *testing.T) {
	router, deps := setupTestHandler()
	deps.badges.granted = []badges.AwardResult{
		{UserID: 7, Badge: models.BadgeDefinition{ID: 1, Code: "tokyo-expert"}, BonusPoints: 100},
	}

	w, response := doRequest(t, router, http.MethodPost, "/api/v1/users/7/badges/check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, response["granted"], 1)
	assert.Equal(t, []uint{7}, deps.badges.checked)

	deps.badges.checkErr = fmt.Errorf("user 9: %w", badges.ErrStatsUnavailable)
	w, _ = doRequest(t, router, http.MethodPost, "/api/v1/users/9/badges/check", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	deps.badges.checkErr = errors.New("ledger unavailable")
	w, _ = doRequest(t, router, http.MethodPost, "/api/v1/users/9/badges/check", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetGlobalLeaderboard(t *testing.T) {
	router, deps := setupTestHandler()
	deps.leaderboard.global["points"] = []leaderboard.Entry{
		{Rank: 1, UserID: 1, Username: "alice", Points: 300},
		{Rank: 2, UserID: 2, Username: "bob", Points: 150},
	}

	tests := []struct {
		name        string
		query       string
		wantStatus  int
		wantEntries float64
	}{
		{name: "defaults", query: "", wantStatus: http.StatusOK, wantEntries: 2},
		{name: "with limit", query: "?limit=1", wantStatus: http.StatusOK, wantEntries: 1},
		{name: "invalid metric", query: "?metric=karma", wantStatus: http.StatusBadRequest},
		{name: "invalid limit", query: "?limit=abc", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := doRequest(t, router, http.MethodGet, "/api/v1/leaderboard"+tt.query, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantEntries, response["total_entries"])
				assert.Equal(t, "points", response["metric"])
			}
		})
	}
}

func TestGetCategoryLeaderboard(t *testing.T) {
	router, deps := setupTestHandler()
	deps.leaderboard.byCategory["kyoto:answers"] = []leaderboard.Entry{
		{Rank: 1, UserID: 3, Username: "carol", AnswerCount: 20},
	}

	w, response := doRequest(t, router, http.MethodGet, "/api/v1/leaderboard/kyoto?metric=answers", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "kyoto", response["category"])
	assert.Equal(t, float64(1), response["total_entries"])
}

func TestPostAnswerAdopted(t *testing.T) {
	router, deps := setupTestHandler()
	deps.activity.granted = []badges.AwardResult{{UserID: 9, Badge: models.BadgeDefinition{ID: 3}}}

	body := map[string]any{"answerId": 11, "adopterId": 2, "adopteeId": 9, "questionId": 5}
	w, response := doRequest(t, router, http.MethodPost, "/api/v1/events/answer-adopted", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, response["published"])
	assert.Len(t, response["granted"], 1)
	require.Len(t, deps.activity.adopted, 1)
	assert.Equal(t, uint(9), deps.activity.adopted[0].AdopteeID)
}

func TestPostAnswerAdopted_Errors(t *testing.T) {
	router, deps := setupTestHandler()

	w, _ := doRequest(t, router, http.MethodPost, "/api/v1/events/answer-adopted", map[string]any{"questionId": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req, err := http.NewRequest(http.MethodPost, "/api/v1/events/answer-adopted", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	deps.activity.err = fmt.Errorf("failed to check badges after adoption: %w", badges.ErrStatsUnavailable)
	body := map[string]any{"answerId": 11, "adopteeId": 9, "questionId": 5}
	w, response := doRequest(t, router, http.MethodPost, "/api/v1/events/answer-adopted", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, response["badge_check_error"], "stats unavailable")
}

func TestPostAnswerReaction(t *testing.T) {
	router, deps := setupTestHandler()

	body := map[string]any{"answerId": 11, "questionId": 5, "likeCount": 4, "dislikeCount": 1}
	w, _ := doRequest(t, router, http.MethodPost, "/api/v1/events/answer-reaction", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, deps.activity.reactions, 1)
	assert.Equal(t, 4, deps.activity.reactions[0].LikeCount)

	body["likeCount"] = -1
	w, _ = doRequest(t, router, http.MethodPost, "/api/v1/events/answer-reaction", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRealtimeMetrics(t *testing.T) {
	router, _ := setupTestHandler()

	w, response := doRequest(t, router, http.MethodGet, "/api/v1/realtime/metrics", nil)

	require.Equal(t, http.StatusOK, w.Code)
	metrics := response["metrics"].(map[string]any)
	assert.Equal(t, float64(4), metrics["totalConnections"])
	assert.Equal(t, float64(3), metrics["activeConnections"])
}

func TestUnavailableServices(t *testing.T) {
	handler := NewHandler(Services{Badges: newMockBadgeService()}, logger.New("debug", "text", "stdout"))
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.RegisterRoutes(router)

	for _, path := range []string{"/api/v1/leaderboard", "/api/v1/badges/1/holders", "/api/v1/realtime/metrics"} {
		w, _ := doRequest(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	w, _ := doRequest(t, router, http.MethodPost, "/api/v1/events/answer-reaction", map[string]any{"answerId": 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
