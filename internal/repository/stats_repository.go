package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aimd54/travelqa/internal/models"
)

// StatsRepository reads the contribution counters the Q&A application maintains.
type StatsRepository struct {
	db *DB
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Snapshot assembles a fresh stats snapshot for one user. It never writes.
func (r *StatsRepository) Snapshot(ctx context.Context, userID uint) (*models.UserStatsSnapshot, error) {
	db := r.db.WithContext(ctx)

	var stats models.UserStats
	if err := db.Where("user_id = ?", userID).First(&stats).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("stats for user %d: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load stats for user %d: %w", userID, err)
	}

	var categories []models.UserCategoryStats
	if err := db.Where("user_id = ?", userID).Find(&categories).Error; err != nil {
		return nil, fmt.Errorf("failed to load category stats for user %d: %w", userID, err)
	}

	var flags []models.UserFlag
	if err := db.Where("user_id = ?", userID).Find(&flags).Error; err != nil {
		return nil, fmt.Errorf("failed to load flags for user %d: %w", userID, err)
	}

	snapshot := &models.UserStatsSnapshot{
		UserID:             userID,
		AnswerCount:        stats.AnswerCount,
		AdoptedAnswerCount: stats.AdoptedAnswerCount,
		HelpfulVoteCount:   stats.HelpfulVoteCount,
		AverageRating:      stats.AverageRating,
		CategoryAnswers:    make(map[string]int, len(categories)),
		Flags:              make(map[string]bool, len(flags)),
	}
	if stats.LastActivityAt != nil {
		snapshot.LastActivityAt = *stats.LastActivityAt
	}
	for _, c := range categories {
		snapshot.CategoryAnswers[c.Category] = c.AnswerCount
	}
	for _, f := range flags {
		snapshot.Flags[f.Flag] = true
	}

	return snapshot, nil
}

// Upsert writes the counters row for a user, replacing any previous values.
func (r *StatsRepository) Upsert(ctx context.Context, stats *models.UserStats) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(stats).Error
}

// SetCategoryAnswers writes the per-category answer count for a user.
func (r *StatsRepository) SetCategoryAnswers(ctx context.Context, userID uint, category string, count int) error {
	row := &models.UserCategoryStats{UserID: userID, Category: category, AnswerCount: count}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
}

// SetFlag sets or clears a boolean user flag.
func (r *StatsRepository) SetFlag(ctx context.Context, userID uint, flag string, enabled bool) error {
	db := r.db.WithContext(ctx)
	if !enabled {
		return db.Where("user_id = ? AND flag = ?", userID, flag).Delete(&models.UserFlag{}).Error
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.UserFlag{UserID: userID, Flag: flag}).Error
}

// ListContributors returns every active user with their counters, ordered by user ID.
// With a category, only users who answered in it are listed and AnswerCount is scoped to it.
func (r *StatsRepository) ListContributors(ctx context.Context, category string) ([]models.Contributor, error) {
	answers := "COALESCE(user_stats.answer_count, 0)"
	q := r.db.WithContext(ctx).
		Table("users").
		Joins("LEFT JOIN user_stats ON user_stats.user_id = users.id")
	if category != "" {
		answers = "user_category_stats.answer_count"
		q = q.Joins("JOIN user_category_stats ON user_category_stats.user_id = users.id AND user_category_stats.category = ?", category)
	}

	var rows []models.Contributor
	err := q.Select(
		"users.id AS user_id, users.username, users.points, " +
			answers + " AS answer_count, " +
			"COALESCE(user_stats.adopted_answer_count, 0) AS adopted_answer_count, " +
			"COALESCE(user_stats.average_rating, 0) AS average_rating").
		Where("users.is_active = ?", true).
		Order("users.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list contributors: %w", err)
	}
	return rows, nil
}
