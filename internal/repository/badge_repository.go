package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aimd54/travelqa/internal/models"
)

// BadgeRepository stores badge definitions and the award ledger.
type BadgeRepository struct {
	db *DB
}

// NewBadgeRepository creates a new badge repository.
func NewBadgeRepository(db *DB) *BadgeRepository {
	return &BadgeRepository{db: db}
}

// Create creates a new badge definition in the database.
func (r *BadgeRepository) Create(badge *models.BadgeDefinition) error {
	return r.db.Create(badge).Error
}

// SeedDefinitions inserts definitions whose code is not yet present and returns how many were inserted.
// Existing definitions are left untouched.
func (r *BadgeRepository) SeedDefinitions(ctx context.Context, defs []models.BadgeDefinition) (int, error) {
	inserted := 0
	for i := range defs {
		def := defs[i]
		def.ID = 0
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
			Create(&def)
		if res.Error != nil {
			return inserted, fmt.Errorf("failed to seed badge %s: %w", def.Code, res.Error)
		}
		inserted += int(res.RowsAffected)
	}
	return inserted, nil
}

// GetByID retrieves a badge definition by its ID.
func (r *BadgeRepository) GetByID(ctx context.Context, id uint) (*models.BadgeDefinition, error) {
	var badge models.BadgeDefinition
	err := r.db.WithContext(ctx).First(&badge, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("badge %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &badge, nil
}

// GetByCode retrieves a badge definition by its code.
func (r *BadgeRepository) GetByCode(ctx context.Context, code string) (*models.BadgeDefinition, error) {
	var badge models.BadgeDefinition
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&badge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("badge %s: %w", code, ErrNotFound)
		}
		return nil, err
	}
	return &badge, nil
}

// ListActive retrieves active badge definitions ordered by ID.
func (r *BadgeRepository) ListActive(ctx context.Context) ([]models.BadgeDefinition, error) {
	var badges []models.BadgeDefinition
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&badges).Error
	return badges, err
}

// ListAll retrieves every badge definition, active or not.
func (r *BadgeRepository) ListAll(ctx context.Context) ([]models.BadgeDefinition, error) {
	var badges []models.BadgeDefinition
	err := r.db.WithContext(ctx).Order("id ASC").Find(&badges).Error
	return badges, err
}

// SetActive toggles whether a badge definition participates in evaluation.
func (r *BadgeRepository) SetActive(ctx context.Context, id uint, active bool) error {
	res := r.db.WithContext(ctx).
		Model(&models.BadgeDefinition{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("badge %d: %w", id, ErrNotFound)
	}
	return nil
}

// TryAward inserts the award record only if the (user, badge) pair is absent.
// The unique index resolves concurrent callers: exactly one sees granted=true.
func (r *BadgeRepository) TryAward(ctx context.Context, userID, badgeID uint, earnedAt time.Time) (bool, error) {
	userBadge := &models.UserBadge{
		UserID:   userID,
		BadgeID:  badgeID,
		EarnedAt: earnedAt,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "badge_id"}},
			DoNothing: true,
		}).
		Create(userBadge)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert award: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// HasEarned checks if a user has earned a specific badge.
func (r *BadgeRepository) HasEarned(ctx context.Context, userID, badgeID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.UserBadge{}).
		Where("user_id = ? AND badge_id = ?", userID, badgeID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserAwards retrieves all award records of a user with badge details preloaded.
func (r *BadgeRepository) GetUserAwards(ctx context.Context, userID uint) ([]models.UserBadge, error) {
	var userBadges []models.UserBadge
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Preload("Badge").
		Order("earned_at ASC").
		Find(&userBadges).Error
	return userBadges, err
}

// MarkNotified records that a grant reached a live session.
func (r *BadgeRepository) MarkNotified(ctx context.Context, userID, badgeID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.UserBadge{}).
		Where("user_id = ? AND badge_id = ?", userID, badgeID).
		Update("notified", true).Error
}

// GetBadgeHoldersCount returns the number of users who have earned a specific badge.
func (r *BadgeRepository) GetBadgeHoldersCount(ctx context.Context, badgeID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.UserBadge{}).
		Where("badge_id = ?", badgeID).
		Count(&count).Error
	return count, err
}

// CountAwardsByUser returns the number of badges held per user.
func (r *BadgeRepository) CountAwardsByUser(ctx context.Context) (map[uint]int, error) {
	var rows []struct {
		UserID uint
		Total  int
	}
	err := r.db.WithContext(ctx).
		Model(&models.UserBadge{}).
		Select("user_id, COUNT(*) AS total").
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count awards: %w", err)
	}

	counts := make(map[uint]int, len(rows))
	for _, row := range rows {
		counts[row.UserID] = row.Total
	}
	return counts, nil
}

// GetBadgeHolders returns the users holding a badge, earliest first.
func (r *BadgeRepository) GetBadgeHolders(ctx context.Context, badgeID uint, limit int) ([]models.User, error) {
	q := r.db.WithContext(ctx).
		Joins("JOIN user_badges ON user_badges.user_id = users.id").
		Where("user_badges.badge_id = ?", badgeID).
		Order("user_badges.earned_at ASC, users.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var users []models.User
	if err := q.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to get holders of badge %d: %w", badgeID, err)
	}
	return users, nil
}
