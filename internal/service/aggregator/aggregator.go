// Package aggregator rolls award records up into badge holder totals.
package aggregator

import (
	"context"
	"fmt"

	prommetrics "github.com/aimd54/travelqa/internal/metrics"
	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/pkg/logger"
)

// BadgeRepository is the slice of the badge store the aggregator reads.
type BadgeRepository interface {
	ListActive(ctx context.Context) ([]models.BadgeDefinition, error)
	GetBadgeHoldersCount(ctx context.Context, badgeID uint) (int64, error)
}

// Summary is the outcome of one aggregation pass.
type Summary struct {
	Badges      int                       `json:"badges"`
	Holders     map[string]int64          `json:"holders"`
	ByRuleType  map[models.RuleType]int64 `json:"by_rule_type"`
	TotalAwards int64                     `json:"total_awards"`
	Failed      int                       `json:"failed"`
}

// Service aggregates holder counts and publishes them as gauges.
type Service struct {
	badgeRepo BadgeRepository
	log       *logger.Logger
}

// NewService creates a new aggregator service.
func NewService(badgeRepo BadgeRepository, log *logger.Logger) *Service {
	return &Service{
		badgeRepo: badgeRepo,
		log:       log,
	}
}

// AggregateBadgeHolders counts holders of every active badge and updates the holder gauges.
// A badge whose count fails is skipped and counted in Summary.Failed.
func (s *Service) AggregateBadgeHolders(ctx context.Context) (*Summary, error) {
	defs, err := s.badgeRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}

	summary := &Summary{
		Badges:     len(defs),
		Holders:    make(map[string]int64, len(defs)),
		ByRuleType: make(map[models.RuleType]int64),
	}

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		count, err := s.badgeRepo.GetBadgeHoldersCount(ctx, def.ID)
		if err != nil {
			s.log.Error().
				Err(err).
				Str("badge", def.Code).
				Msg("Failed to count badge holders")
			summary.Failed++
			continue
		}

		summary.Holders[def.Code] = count
		summary.ByRuleType[def.RuleType] += count
		summary.TotalAwards += count
		prommetrics.SetActiveBadgeHolders(def.Code, int(count))
	}

	s.log.Info().
		Int("badges", summary.Badges).
		Int64("total_awards", summary.TotalAwards).
		Int("failed", summary.Failed).
		Msg("Badge holder aggregation completed")

	return summary, nil
}

// Refresh runs one aggregation pass, discarding the summary.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.AggregateBadgeHolders(ctx)
	return err
}
