// Package leaderboard ranks community contributors.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/pkg/logger"
)

// Ranking metrics.
const (
	MetricPoints  = "points"
	MetricBadges  = "badges"
	MetricAnswers = "answers"
	MetricAdopted = "adopted"
	MetricRating  = "rating"
)

// ValidMetrics lists the metrics a leaderboard can be ranked by.
var ValidMetrics = []string{MetricPoints, MetricBadges, MetricAnswers, MetricAdopted, MetricRating}

// ErrUserNotRanked is returned when a user does not appear on the requested leaderboard.
var ErrUserNotRanked = errors.New("user not found in leaderboard")

// ContributorRepository lists users with their counters.
type ContributorRepository interface {
	ListContributors(ctx context.Context, category string) ([]models.Contributor, error)
}

// AwardCounter counts badges per user.
type AwardCounter interface {
	CountAwardsByUser(ctx context.Context) (map[uint]int, error)
}

// Entry represents a single entry in a leaderboard.
type Entry struct {
	Rank               int     `json:"rank"`
	UserID             uint    `json:"user_id"`
	Username           string  `json:"username"`
	Points             int     `json:"points"`
	BadgeCount         int     `json:"badge_count"`
	AnswerCount        int     `json:"answer_count"`
	AdoptedAnswerCount int     `json:"adopted_answer_count"`
	AdoptRate          float64 `json:"adopt_rate"`
	AverageRating      float64 `json:"average_rating"`
}

// Service builds leaderboards.
type Service struct {
	contributors ContributorRepository
	awards       AwardCounter
	log          *logger.Logger
}

// NewService creates a new leaderboard service.
func NewService(contributors ContributorRepository, awards AwardCounter, log *logger.Logger) *Service {
	return &Service{
		contributors: contributors,
		awards:       awards,
		log:          log,
	}
}

// IsValidMetric reports whether metric can be used for ranking.
func IsValidMetric(metric string) bool {
	return lo.Contains(ValidMetrics, metric)
}

// GetGlobalLeaderboard ranks every active contributor.
func (s *Service) GetGlobalLeaderboard(ctx context.Context, metric string, limit int) ([]Entry, error) {
	return s.getLeaderboard(ctx, "", metric, limit)
}

// GetCategoryLeaderboard ranks contributors who answered in category, using their in-category answer count.
func (s *Service) GetCategoryLeaderboard(ctx context.Context, category, metric string, limit int) ([]Entry, error) {
	return s.getLeaderboard(ctx, category, metric, limit)
}

func (s *Service) getLeaderboard(ctx context.Context, category, metric string, limit int) ([]Entry, error) {
	if !IsValidMetric(metric) {
		return nil, fmt.Errorf("invalid metric %q", metric)
	}

	rows, err := s.contributors.ListContributors(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to get contributors: %w", err)
	}

	badgeCounts, err := s.awards.CountAwardsByUser(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to count badges, ranking without them")
		badgeCounts = map[uint]int{}
	}

	entries := lo.Map(rows, func(c models.Contributor, _ int) Entry {
		e := Entry{
			UserID:             c.UserID,
			Username:           c.Username,
			Points:             c.Points,
			BadgeCount:         badgeCounts[c.UserID],
			AnswerCount:        c.AnswerCount,
			AdoptedAnswerCount: c.AdoptedAnswerCount,
			AverageRating:      c.AverageRating,
		}
		if c.AnswerCount > 0 {
			e.AdoptRate = float64(c.AdoptedAnswerCount) / float64(c.AnswerCount)
		}
		return e
	})

	sortLeaderboard(entries, metric)

	for i := range entries {
		entries[i].Rank = i + 1
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// sortLeaderboard orders entries by metric, highest first. Ties go to the lower user ID.
func sortLeaderboard(entries []Entry, metric string) {
	key := func(e Entry) float64 {
		switch metric {
		case MetricBadges:
			return float64(e.BadgeCount)
		case MetricAnswers:
			return float64(e.AnswerCount)
		case MetricAdopted:
			return float64(e.AdoptedAnswerCount)
		case MetricRating:
			return e.AverageRating
		default:
			return float64(e.Points)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ki, kj := key(entries[i]), key(entries[j])
		if ki != kj {
			return ki > kj
		}
		return entries[i].UserID < entries[j].UserID
	})
}

// GetUserRank returns the global rank of a user for metric.
func (s *Service) GetUserRank(ctx context.Context, userID uint, metric string) (int, error) {
	leaderboard, err := s.GetGlobalLeaderboard(ctx, metric, 0)
	if err != nil {
		return 0, err
	}

	entry, ok := lo.Find(leaderboard, func(e Entry) bool { return e.UserID == userID })
	if !ok {
		return 0, fmt.Errorf("user %d: %w", userID, ErrUserNotRanked)
	}
	return entry.Rank, nil
}
