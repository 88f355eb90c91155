package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/travelqa/internal/models"
)

// CatalogAdmin manages badge definitions, including inactive ones.
type CatalogAdmin interface {
	ListAll(ctx context.Context) ([]models.BadgeDefinition, error)
	GetByCode(ctx context.Context, code string) (*models.BadgeDefinition, error)
	SetActive(ctx context.Context, id uint, active bool) error
}

// StatsWriter stores the contribution counters pushed by the Q&A application.
type StatsWriter interface {
	Upsert(ctx context.Context, stats *models.UserStats) error
	SetCategoryAnswers(ctx context.Context, userID uint, category string, count int) error
	SetFlag(ctx context.Context, userID uint, flag string, enabled bool) error
}

// ContributionUpdate is the full counter set for one user.
type ContributionUpdate struct {
	AnswerCount        int             `json:"answer_count" binding:"gte=0"`
	AdoptedAnswerCount int             `json:"adopted_answer_count" binding:"gte=0,ltefield=AnswerCount"`
	HelpfulVoteCount   int             `json:"helpful_vote_count" binding:"gte=0"`
	AverageRating      float64         `json:"average_rating" binding:"gte=0,lte=5"`
	LastActivityAt     *time.Time      `json:"last_activity_at"`
	CategoryAnswers    map[string]int  `json:"category_answers"`
	Flags              map[string]bool `json:"flags"`
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// ListAllBadges returns every badge definition, active or not.
// GET /api/v1/admin/badges.
func (h *Handler) ListAllBadges(c *gin.Context) {
	if h.svc.Catalog == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Badge administration is not available")
		return
	}

	defs, err := h.svc.Catalog.ListAll(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list badge definitions")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to list badge definitions")
		return
	}

	active := 0
	for _, d := range defs {
		if d.IsActive {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"badges":        defs,
		"total_badges":  len(defs),
		"active_badges": active,
		"generated_at":  time.Now().UTC(),
	})
}

// GetBadgeByCode looks a definition up by its slug.
// GET /api/v1/admin/badges/code/:code.
func (h *Handler) GetBadgeByCode(c *gin.Context) {
	if h.svc.Catalog == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Badge administration is not available")
		return
	}

	code := c.Param("code")
	badge, err := h.svc.Catalog.GetByCode(c.Request.Context(), code)
	if err != nil {
		if isNotFound(err) {
			h.errorResponse(c, http.StatusNotFound, "Badge not found")
			return
		}
		h.log.Error().Err(err).Str("badge", code).Msg("Failed to get badge by code")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to retrieve badge")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"badge":        badge,
		"generated_at": time.Now().UTC(),
	})
}

// SetBadgeActive switches a badge in or out of evaluation. Existing awards are kept.
// PUT /api/v1/admin/badges/:id/active.
func (h *Handler) SetBadgeActive(c *gin.Context) {
	if h.svc.Catalog == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Badge administration is not available")
		return
	}

	badgeID, err := h.parseID(c, "badge")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := h.svc.Catalog.SetActive(c.Request.Context(), badgeID, *req.Active); err != nil {
		if isNotFound(err) {
			h.errorResponse(c, http.StatusNotFound, "Badge not found")
			return
		}
		h.log.Error().Err(err).Uint("badge_id", badgeID).Msg("Failed to update badge state")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to update badge")
		return
	}

	h.log.Info().
		Uint("badge_id", badgeID).
		Bool("active", *req.Active).
		Msg("Badge state changed")

	c.JSON(http.StatusOK, gin.H{
		"badge_id":     badgeID,
		"active":       *req.Active,
		"generated_at": time.Now().UTC(),
	})
}

// PutUserContributions replaces a user's counters, then re-checks their badges.
// PUT /api/v1/users/:id/contributions.
func (h *Handler) PutUserContributions(c *gin.Context) {
	if h.svc.Stats == nil {
		h.errorResponse(c, http.StatusServiceUnavailable, "Contribution updates are not available")
		return
	}

	userID, err := h.parseID(c, "user")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	var body ContributionUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	for category, count := range body.CategoryAnswers {
		if strings.TrimSpace(category) == "" || count < 0 {
			h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid category answer count %q: %d", category, count))
			return
		}
	}
	for flag := range body.Flags {
		if strings.TrimSpace(flag) == "" {
			h.errorResponse(c, http.StatusBadRequest, "flag names must not be empty")
			return
		}
	}

	ctx := c.Request.Context()
	if err := h.writeContributions(ctx, userID, &body); err != nil {
		h.log.Error().Err(err).Uint("user_id", userID).Msg("Failed to store contributions")
		h.errorResponse(c, http.StatusInternalServerError, "Failed to store contributions")
		return
	}

	response := gin.H{
		"user_id":      userID,
		"updated":      true,
		"generated_at": time.Now().UTC(),
	}
	if h.svc.Badges != nil {
		granted, err := h.svc.Badges.CheckAndAward(ctx, userID)
		response["granted"] = granted
		if err != nil {
			h.log.Warn().Err(err).Uint("user_id", userID).Msg("Contributions stored but badge check failed")
			response["badge_check_error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handler) writeContributions(ctx context.Context, userID uint, body *ContributionUpdate) error {
	stats := &models.UserStats{
		UserID:             userID,
		AnswerCount:        body.AnswerCount,
		AdoptedAnswerCount: body.AdoptedAnswerCount,
		HelpfulVoteCount:   body.HelpfulVoteCount,
		AverageRating:      body.AverageRating,
		LastActivityAt:     body.LastActivityAt,
	}
	if err := h.svc.Stats.Upsert(ctx, stats); err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	for category, count := range body.CategoryAnswers {
		if err := h.svc.Stats.SetCategoryAnswers(ctx, userID, category, count); err != nil {
			return fmt.Errorf("category %s: %w", category, err)
		}
	}
	for flag, enabled := range body.Flags {
		if err := h.svc.Stats.SetFlag(ctx, userID, flag, enabled); err != nil {
			return fmt.Errorf("flag %s: %w", flag, err)
		}
	}
	return nil
}
