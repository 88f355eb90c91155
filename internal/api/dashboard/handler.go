// Package dashboard provides the REST API for badges, leaderboards and community activity events.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/internal/notify"
	"github.com/aimd54/travelqa/internal/realtime"
	"github.com/aimd54/travelqa/internal/repository"
	"github.com/aimd54/travelqa/internal/service/badges"
	"github.com/aimd54/travelqa/internal/service/leaderboard"
	"github.com/aimd54/travelqa/pkg/logger"
)

// BadgeService interface for badge operations.
type BadgeService interface {
	GetBadgeCatalog(ctx context.Context) ([]models.BadgeDefinition, error)
	GetBadge(ctx context.Context, id uint) (*models.BadgeDefinition, error)
	GetUserBadges(ctx context.Context, userID uint) ([]models.UserBadge, error)
	GetUserProgress(ctx context.Context, userID uint) ([]badges.ProgressView, error)
	GetUserStats(ctx context.Context, userID uint) (*badges.UserBadgeStats, error)
	CheckAndAward(ctx context.Context, userID uint) ([]badges.AwardResult, error)
}

// HolderRepository lists the users holding a badge.
type HolderRepository interface {
	GetBadgeHolders(ctx context.Context, badgeID uint, limit int) ([]models.User, error)
	GetBadgeHoldersCount(ctx context.Context, badgeID uint) (int64, error)
}

// LeaderboardService interface for leaderboard operations.
type LeaderboardService interface {
	GetGlobalLeaderboard(ctx context.Context, metric string, limit int) ([]leaderboard.Entry, error)
	GetCategoryLeaderboard(ctx context.Context, category, metric string, limit int) ([]leaderboard.Entry, error)
	GetUserRank(ctx context.Context, userID uint, metric string) (int, error)
}

// SweepRunner triggers a badge sweep on demand.
type SweepRunner interface {
	RunSweep(ctx context.Context) badges.BatchResult
	LastRun() *badges.BatchResult
}

// ActivityPublisher fans community activity out to realtime rooms.
type ActivityPublisher interface {
	AnswerAdopted(ctx context.Context, p realtime.AnswerAdoptedPayload) ([]badges.AwardResult, error)
	ReactionUpdated(ctx context.Context, p realtime.ReactionUpdatedPayload) error
}

// MetricsSource exposes the latest realtime metrics snapshot.
type MetricsSource interface {
	Metrics() realtime.MetricsSnapshot
}

// Services bundles the handler dependencies. Nil members disable their routes with 503.
type Services struct {
	Badges      BadgeService
	Holders     HolderRepository
	Leaderboard LeaderboardService
	Sweeps      SweepRunner
	Activity    ActivityPublisher
	Realtime    MetricsSource
	Catalog     CatalogAdmin
	Stats       StatsWriter
}

// Handler handles dashboard API requests.
type Handler struct {
	svc Services
	log *logger.Logger
}

// NewHandler creates a new dashboard handler.
func NewHandler(svc Services, log *logger.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log,
	}
}

// RegisterRoutes mounts every endpoint under /api/v1.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1")

	api.GET("/badges", h.GetBadgeCatalog)
	api.GET("/badges/:id", h.GetBadgeByID)
	api.GET("/badges/:id/holders", h.GetBadgeHolders)
	api.POST("/badges/sweep", h.RunSweep)
	api.GET("/badges/sweep", h.GetLastSweep)

	api.GET("/users/:id/badges", h.GetUserBadges)
	api.GET("/users/:id/progress", h.GetUserProgress)
	api.GET("/users/:id/stats", h.GetUserStats)
	api.POST("/users/:id/badges/check", h.CheckUserBadges)
	api.PUT("/users/:id/contributions", h.PutUserContributions)

	api.GET("/admin/badges", h.ListAllBadges)
	api.GET("/admin/badges/code/:code", h.GetBadgeByCode)
	api.PUT("/admin/badges/:id/active", h.SetBadgeActive)

	api.GET("/leaderboard", h.GetGlobalLeaderboard)
	api.GET("/leaderboard/:category", h.GetCategoryLeaderboard)

	api.POST("/events/answer-adopted", h.PostAnswerAdopted)
	api.POST("/events/answer-reaction", h.PostAnswerReaction)

	api.GET("/realtime/metrics", h.GetRealtimeMetrics)
}

// GetBadgeCatalog returns all active badges.
// GET /api/v1/badges.
func (h *Handler) GetBadgeCatalog(c *gin.Context) {
	catalog, err := h.svc.Badges.GetBadgeCatalog(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get badge catalog")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve badge catalog")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"badges":       catalog,
		"total_badges": len(catalog),
		"generated_at": time.Now().UTC(),
	})
}

// GetBadgeByID returns details for a specific badge.
// GET /api/v1/badges/:id.
func (h *Handler) GetBadgeByID(c *gin.Context) {
	badgeID, err := h.parseID(c, "badge")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	badge, err := h.svc.Badges.GetBadge(c.Request.Context(), badgeID)
	if err != nil {
		if isNotFound(err) {
			h.errorResponse(c, http.StatusNotFound, "Badge not found")
			return
		}
		h.log.Error().Err(err).Uint("badge_id", badgeID).Msg("Failed to get badge details")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve badge")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"badge":        badge,
		"generated_at": time.Now().UTC(),
	})
}

// GetBadgeHolders returns users who have earned a specific badge, earliest first.
// GET /api/v1/badges/:id/holders?limit=50.
func (h *Handler) GetBadgeHolders(c *gin.Context) {
	if h.svc.Holders == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Badge holders are not available")
		return
	}

	badgeID, err := h.parseID(c, "badge")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := h.parseLimit(c, 50)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	holders, err := h.svc.Holders.GetBadgeHolders(ctx, badgeID, limit)
	if err != nil {
		h.log.Error().Err(err).Uint("badge_id", badgeID).Msg("Failed to get badge holders")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve badge holders")
		return
	}

	total, err := h.svc.Holders.GetBadgeHoldersCount(ctx, badgeID)
	if err != nil {
		h.log.Warn().Err(err).Uint("badge_id", badgeID).Msg("Failed to count badge holders")
		total = int64(len(holders))
	}

	c.JSON(http.StatusOK, gin.H{
		"badge_id":      badgeID,
		"holders":       holders,
		"total_holders": total,
		"limited_to":    len(holders),
		"generated_at":  time.Now().UTC(),
	})
}

// RunSweep evaluates every active user now.
// POST /api/v1/badges/sweep.
func (h *Handler) RunSweep(c *gin.Context) {
	if h.svc.Sweeps == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Badge sweeps are not available")
		return
	}

	result := h.svc.Sweeps.RunSweep(c.Request.Context())

	status := http.StatusOK
	if result.Cancelled {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"result":       result,
		"generated_at": time.Now().UTC(),
	})
}

// GetLastSweep returns the outcome of the most recent sweep.
// GET /api/v1/badges/sweep.
func (h *Handler) GetLastSweep(c *gin.Context) {
	if h.svc.Sweeps == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Badge sweeps are not available")
		return
	}

	last := h.svc.Sweeps.LastRun()
	if last == nil {
		h.errorResponse(c, http.StatusNotFound, "No sweep has run yet")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"result":       last,
		"generated_at": time.Now().UTC(),
	})
}

// GetUserBadges returns badges earned by a specific user.
// GET /api/v1/users/:id/badges.
func (h *Handler) GetUserBadges(c *gin.Context) {
	userID, err := h.parseID(c, "user")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	userBadges, err := h.svc.Badges.GetUserBadges(c.Request.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Uint("user_id", userID).Msg("Failed to get user badges")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve user badges")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       userID,
		"badges":        userBadges,
		"total_badges":  len(userBadges),
		"primary_badge": badges.PrimaryBadge(userBadges),
		"generated_at":  time.Now().UTC(),
	})
}

// GetUserProgress returns progress towards every active badge.
// GET /api/v1/users/:id/progress.
func (h *Handler) GetUserProgress(c *gin.Context) {
	userID, err := h.parseID(c, "user")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	progress, err := h.svc.Badges.GetUserProgress(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, badges.ErrStatsUnavailable) {
			h.errorResponse(c, http.StatusNotFound, "Stats not found for user")
			return
		}
		h.log.Error().Err(err).Uint("user_id", userID).Msg("Failed to get badge progress")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve badge progress")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"progress":     progress,
		"generated_at": time.Now().UTC(),
	})
}

// GetUserStats returns a user's badge totals and leaderboard rank.
// GET /api/v1/users/:id/stats?metric=points.
func (h *Handler) GetUserStats(c *gin.Context) {
	userID, err := h.parseID(c, "user")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	metric := c.DefaultQuery("metric", leaderboard.MetricPoints)
	if err := h.validateMetric(metric); err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	stats, err := h.svc.Badges.GetUserStats(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Uint("user_id", userID).Msg("Failed to get user stats")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve user statistics")
		return
	}

	response := gin.H{
		"stats":        stats,
		"metric":       metric,
		"generated_at": time.Now().UTC(),
	}
	if h.svc.Leaderboard != nil {
		rank, err := h.svc.Leaderboard.GetUserRank(ctx, userID, metric)
		switch {
		case err == nil:
			response["rank"] = rank
		case errors.Is(err, leaderboard.ErrUserNotRanked):
		default:
			h.log.Warn().Err(err).Uint("user_id", userID).Msg("Failed to get user rank")
		}
	}

	c.JSON(http.StatusOK, response)
}

// CheckUserBadges evaluates one user immediately.
// POST /api/v1/users/:id/badges/check.
func (h *Handler) CheckUserBadges(c *gin.Context) {
	userID, err := h.parseID(c, "user")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	granted, err := h.svc.Badges.CheckAndAward(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, badges.ErrStatsUnavailable) {
			h.errorResponse(c, http.StatusNotFound, "Stats not found for user")
			return
		}
		h.log.Error().
			Err(err).
			Uint("user_id", userID).
			Int("granted", len(granted)).
			Msg("Badge check finished with errors")
		h.errorResponse(c, http.StatusInternalServerError, "Badge check failed")
		return
	}

	h.log.Info().
		Uint("user_id", userID).
		Int("granted", len(granted)).
		Msg("Checked user badges")

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"granted":      granted,
		"generated_at": time.Now().UTC(),
	})
}

// GetGlobalLeaderboard returns the global leaderboard.
// GET /api/v1/leaderboard?metric=points&limit=10.
func (h *Handler) GetGlobalLeaderboard(c *gin.Context) {
	h.leaderboard(c, "")
}

// GetCategoryLeaderboard returns the leaderboard for one destination category.
// GET /api/v1/leaderboard/:category?metric=answers&limit=10.
func (h *Handler) GetCategoryLeaderboard(c *gin.Context) {
	category := strings.TrimSpace(c.Param("category"))
	if category == "" {
		h.errorResponse(c, http.StatusBadRequest, "category parameter is required")
		return
	}
	h.leaderboard(c, category)
}

func (h *Handler) leaderboard(c *gin.Context, category string) {
	if h.svc.Leaderboard == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Leaderboard is not available")
		return
	}

	metric := c.DefaultQuery("metric", leaderboard.MetricPoints)
	if err := h.validateMetric(metric); err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := h.parseLimit(c, 10)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	var entries []leaderboard.Entry
	if category == "" {
		entries, err = h.svc.Leaderboard.GetGlobalLeaderboard(ctx, metric, limit)
	} else {
		entries, err = h.svc.Leaderboard.GetCategoryLeaderboard(ctx, category, metric, limit)
	}
	if err != nil {
		h.log.Error().Err(err).Str("category", category).Msg("Failed to get leaderboard")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve leaderboard")
		return
	}

	response := gin.H{
		"leaderboard":   entries,
		"metric":        metric,
		"total_entries": len(entries),
		"generated_at":  time.Now().UTC(),
	}
	if category != "" {
		response["category"] = category
	}
	c.JSON(http.StatusOK, response)
}

// PostAnswerAdopted publishes an adoption and re-checks the adoptee's badges.
// POST /api/v1/events/answer-adopted.
func (h *Handler) PostAnswerAdopted(c *gin.Context) {
	if h.svc.Activity == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Realtime events are not available")
		return
	}

	var payload realtime.AnswerAdoptedPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	granted, err := h.svc.Activity.AnswerAdopted(c.Request.Context(), payload)
	if errors.Is(err, notify.ErrInvalidEvent) {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	response := gin.H{
		"published":    true,
		"granted":      granted,
		"generated_at": time.Now().UTC(),
	}
	if err != nil {
		// The event itself went out; only the badge re-check failed.
		h.log.Warn().Err(err).Uint("user_id", payload.AdopteeID).Msg("Adoption published but badge check failed")
		response["badge_check_error"] = err.Error()
	}
	c.JSON(http.StatusAccepted, response)
}

// PostAnswerReaction publishes new reaction counters for an answer.
// POST /api/v1/events/answer-reaction.
func (h *Handler) PostAnswerReaction(c *gin.Context) {
	if h.svc.Activity == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Realtime events are not available")
		return
	}

	var payload realtime.ReactionUpdatedPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := h.svc.Activity.ReactionUpdated(c.Request.Context(), payload); err != nil {
		if errors.Is(err, notify.ErrInvalidEvent) {
			h.errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Uint("answer_id", payload.AnswerID).Msg("Failed to publish reaction update")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to publish reaction update")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"published":    true,
		"generated_at": time.Now().UTC(),
	})
}

// GetRealtimeMetrics returns the latest realtime metrics snapshot.
// GET /api/v1/realtime/metrics.
func (h *Handler) GetRealtimeMetrics(c *gin.Context) {
	if h.svc.Realtime == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Realtime metrics are not available")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metrics":      h.svc.Realtime.Metrics(),
		"generated_at": time.Now().UTC(),
	})
}

// Helper functions

// parseID extracts and validates the :id URL parameter.
func (h *Handler) parseID(c *gin.Context, kind string) (uint, error) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s ID: %s", kind, idStr)
	}
	return uint(id), nil
}

// parseLimit extracts and validates the limit query parameter.
func (h *Handler) parseLimit(c *gin.Context, defaultLimit int) (int, error) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %s", limitStr)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be greater than 0")
	}

	if limit > 1000 {
		return 0, fmt.Errorf("limit cannot exceed 1000")
	}

	return limit, nil
}

// validateMetric validates the metric parameter.
func (h *Handler) validateMetric(metric string) error {
	if !leaderboard.IsValidMetric(metric) {
		return fmt.Errorf("invalid metric: %s (valid: %s)", metric, strings.Join(leaderboard.ValidMetrics, ", "))
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, badges.ErrBadgeNotFound) || errors.Is(err, repository.ErrNotFound)
}

// errorResponse sends a standardized error response.
func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
