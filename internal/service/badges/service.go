// Package badges provides badge evaluation and awarding services.
package badges

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	prommetrics "github.com/aimd54/travelqa/internal/metrics"
	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/pkg/logger"
)

// DefaultBatchWorkers bounds the number of users evaluated in parallel during a sweep.
const DefaultBatchWorkers = 4

// AwardLedger is the durable set of award records.
type AwardLedger interface {
	// TryAward inserts the record only if none exists; granted is false when it already did.
	// A true result with an error means the record was written and the grant is still settled.
	TryAward(ctx context.Context, userID, badgeID uint, earnedAt time.Time) (bool, error)
	HasEarned(ctx context.Context, userID, badgeID uint) (bool, error)
	GetUserAwards(ctx context.Context, userID uint) ([]models.UserBadge, error)
	MarkNotified(ctx context.Context, userID, badgeID uint) error
}

// StatsProvider supplies a fresh contribution snapshot for one user. It must have no write side effects.
type StatsProvider interface {
	Snapshot(ctx context.Context, userID uint) (*models.UserStatsSnapshot, error)
}

// UserLister lists the users a batch sweep covers.
type UserLister interface {
	ListActiveUserIDs(ctx context.Context) ([]uint, error)
}

// PointsLedger credits bonus points for a grant.
type PointsLedger interface {
	AddPoints(ctx context.Context, userID uint, points int, reason string) error
}

// Notifier is told about every new grant.
type Notifier interface {
	BadgeAwarded(ctx context.Context, award AwardResult)
}

type holderCounter interface {
	GetBadgeHoldersCount(ctx context.Context, badgeID uint) (int64, error)
}

// AwardResult describes one newly granted badge.
type AwardResult struct {
	UserID      uint                   `json:"user_id"`
	Badge       models.BadgeDefinition `json:"badge"`
	EarnedAt    time.Time              `json:"earned_at"`
	BonusPoints int                    `json:"bonus_points"`
}

// BatchResult summarizes a sweep over all active users.
type BatchResult struct {
	Processed int           `json:"processed"`
	Granted   int           `json:"granted"`
	Errors    []string      `json:"errors"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// ProgressView is one row of a user's badge progress.
type ProgressView struct {
	BadgeID  uint            `json:"badge_id"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Icon     string          `json:"icon"`
	RuleType models.RuleType `json:"rule_type"`
	Earned   bool            `json:"earned"`
	Progress float64         `json:"progress"`
	Percent  int             `json:"percent"`
	Detail   string          `json:"detail"`
	EarnedAt *time.Time      `json:"earned_at,omitempty"`
}

// UserBadgeStats aggregates a user's earned badges.
type UserBadgeStats struct {
	UserID           uint                    `json:"user_id"`
	TotalBadges      int                     `json:"total_badges"`
	ByRuleType       map[models.RuleType]int `json:"by_rule_type"`
	TotalBonusPoints int                     `json:"total_bonus_points"`
	LatestEarnedAt   *time.Time              `json:"latest_earned_at,omitempty"`
	PrimaryBadge     *models.UserBadge       `json:"primary_badge,omitempty"`
	Pending          int                     `json:"pending_notifications"`
}

// Option configures a Service.
type Option func(*Service)

// WithBatchWorkers sets the sweep worker pool size. Values below 1 are ignored.
func WithBatchWorkers(n int) Option {
	return func(s *Service) {
		if n >= 1 {
			s.workers = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service orchestrates evaluation and the award ledger.
type Service struct {
	catalog  Catalog
	ledger   AwardLedger
	stats    StatsProvider
	users    UserLister
	points   PointsLedger
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
	workers  int
}

// NewService creates a new badge service.
func NewService(
	catalog Catalog,
	ledger AwardLedger,
	stats StatsProvider,
	users UserLister,
	points PointsLedger,
	log *logger.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		catalog: catalog,
		ledger:  ledger,
		stats:   stats,
		users:   users,
		points:  points,
		log:     log,
		now:     time.Now,
		workers: DefaultBatchWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier attaches the grant notifier. Call it before the service handles traffic.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// CheckAndAward evaluates every active badge for one user and grants the earned ones.
//
// A missing stats snapshot is returned as an error wrapping ErrStatsUnavailable. Failures on
// individual badges are joined into the error while the grants that did succeed are still returned.
func (s *Service) CheckAndAward(ctx context.Context, userID uint) ([]AwardResult, error) {
	defs, err := s.catalog.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}

	stats, err := s.stats.Snapshot(ctx, userID)
	if err != nil || stats == nil {
		prommetrics.RecordBadgeEvaluationError("stats_unavailable")
		if err == nil {
			return nil, fmt.Errorf("user %d: %w", userID, ErrStatsUnavailable)
		}
		return nil, fmt.Errorf("user %d: %w: %w", userID, ErrStatsUnavailable, err)
	}

	held, err := s.heldBadges(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var (
		granted []AwardResult
		errs    []error
	)
	for i := range defs {
		def := defs[i]
		if held[def.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result, err := Evaluate(stats, &def, now)
		if err != nil {
			prommetrics.RecordBadgeEvaluationError("evaluation")
			errs = append(errs, err)
			continue
		}
		if !result.Earned {
			continue
		}

		ok, err := s.ledger.TryAward(ctx, userID, def.ID, now)
		if err != nil {
			prommetrics.RecordBadgeEvaluationError("ledger")
			s.log.Error().
				Err(err).
				Uint("user_id", userID).
				Str("badge", def.Code).
				Msg("Failed to record badge award")
			errs = append(errs, fmt.Errorf("award %s: %w", def.Code, err))
			if !ok {
				continue
			}
		}
		if !ok {
			// Another caller won the race for this pair.
			continue
		}

		award, err := s.settle(ctx, userID, def, now)
		if err != nil {
			errs = append(errs, err)
		}
		granted = append(granted, award)
	}

	return granted, errors.Join(errs...)
}

func (s *Service) heldBadges(ctx context.Context, userID uint) (map[uint]bool, error) {
	awards, err := s.ledger.GetUserAwards(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load awards for user %d: %w", userID, err)
	}
	held := make(map[uint]bool, len(awards))
	for _, a := range awards {
		held[a.BadgeID] = true
	}
	return held, nil
}

// settle runs the side effects of a single successful grant.
func (s *Service) settle(ctx context.Context, userID uint, def models.BadgeDefinition, earnedAt time.Time) (AwardResult, error) {
	award := AwardResult{
		UserID:      userID,
		Badge:       def,
		EarnedAt:    earnedAt,
		BonusPoints: def.TotalBonusPoints(),
	}

	var err error
	if award.BonusPoints > 0 && s.points != nil {
		if perr := s.points.AddPoints(ctx, userID, award.BonusPoints, "badge:"+def.Code); perr != nil {
			s.log.Error().
				Err(perr).
				Uint("user_id", userID).
				Str("badge", def.Code).
				Int("points", award.BonusPoints).
				Msg("Failed to credit badge bonus points")
			err = fmt.Errorf("credit points for %s: %w", def.Code, perr)
		}
	}

	prommetrics.RecordBadgeAwarded(def.Code, string(def.RuleType))
	if hc, ok := s.ledger.(holderCounter); ok {
		if count, cerr := hc.GetBadgeHoldersCount(ctx, def.ID); cerr == nil {
			prommetrics.SetActiveBadgeHolders(def.Code, int(count))
		}
	}

	s.log.Info().
		Uint("user_id", userID).
		Str("badge", def.Code).
		Int("bonus_points", award.BonusPoints).
		Msg("Badge awarded")

	if s.notifier != nil {
		s.notifier.BadgeAwarded(ctx, award)
	}
	return award, err
}

// BatchProcessAllUsers runs CheckAndAward for every active user with a bounded worker pool.
// Per-user failures are recorded and never stop the sweep. Cancelling ctx stops launching
// new users and returns the partial counts.
func (s *Service) BatchProcessAllUsers(ctx context.Context) BatchResult {
	start := s.now()
	s.log.Info().Int("workers", s.workers).Msg("Starting badge sweep for all users")

	var result BatchResult
	userIDs, err := s.users.ListActiveUserIDs(ctx)
	if err != nil {
		result.Errors = []string{fmt.Sprintf("list users: %v", err)}
		result.Cancelled = ctx.Err() != nil
		result.Duration = s.now().Sub(start)
		prommetrics.RecordBadgeBatchRun("error", result.Duration.Seconds())
		s.log.Error().Err(err).Msg("Failed to list users for badge sweep")
		return result
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			break
		}
		userID := userID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			granted, err := s.processUser(ctx, userID)

			mu.Lock()
			defer mu.Unlock()
			// Grants made before an interruption are committed and still count.
			result.Granted += granted
			interrupted := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
			if interrupted && granted == 0 {
				return nil
			}
			result.Processed++
			if err != nil && !interrupted {
				result.Errors = append(result.Errors, fmt.Sprintf("user %d: %v", userID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Errors)
	result.Cancelled = ctx.Err() != nil
	result.Duration = s.now().Sub(start)

	status := "success"
	switch {
	case result.Cancelled:
		status = "cancelled"
	case len(result.Errors) > 0:
		status = "partial"
	}
	prommetrics.RecordBadgeBatchRun(status, result.Duration.Seconds())

	s.log.Info().
		Int("users", len(userIDs)).
		Int("processed", result.Processed).
		Int("granted", result.Granted).
		Int("errors", len(result.Errors)).
		Bool("cancelled", result.Cancelled).
		Dur("duration", result.Duration).
		Msg("Badge sweep complete")

	return result
}

func (s *Service) processUser(ctx context.Context, userID uint) (granted int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	awards, err := s.CheckAndAward(ctx, userID)
	return len(awards), err
}

// GetUserProgress evaluates every active badge for a user without touching the ledger.
// Rows are ordered by rule type, earned first, progress descending, then badge ID.
func (s *Service) GetUserProgress(ctx context.Context, userID uint) ([]ProgressView, error) {
	defs, err := s.catalog.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}

	stats, err := s.stats.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w: %w", userID, ErrStatsUnavailable, err)
	}
	if stats == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrStatsUnavailable)
	}

	awards, err := s.ledger.GetUserAwards(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load awards for user %d: %w", userID, err)
	}
	earnedAt := lo.SliceToMap(awards, func(a models.UserBadge) (uint, time.Time) {
		return a.BadgeID, a.EarnedAt
	})

	now := s.now()
	views := make([]ProgressView, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		view := ProgressView{
			BadgeID:  def.ID,
			Code:     def.Code,
			Name:     def.Name,
			Icon:     def.Icon,
			RuleType: def.RuleType,
		}

		if at, ok := earnedAt[def.ID]; ok {
			view.Earned = true
			view.Progress = 1
			view.Detail = "earned"
			view.EarnedAt = &at
		} else {
			result, err := Evaluate(stats, def, now)
			if err != nil {
				return nil, err
			}
			view.Earned = result.Earned
			view.Progress = result.Progress
			view.Detail = result.Detail
		}
		view.Percent = Percent(view.Progress)
		views = append(views, view)
	}

	SortProgress(views)
	return views, nil
}

// SortProgress orders progress rows for display.
func SortProgress(views []ProgressView) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.RuleType.Order() != b.RuleType.Order() {
			return a.RuleType.Order() < b.RuleType.Order()
		}
		if a.Earned != b.Earned {
			return a.Earned
		}
		if a.Progress != b.Progress {
			return a.Progress > b.Progress
		}
		return a.BadgeID < b.BadgeID
	})
}

// GetUserBadges returns a user's awards with badge details filled in.
func (s *Service) GetUserBadges(ctx context.Context, userID uint) ([]models.UserBadge, error) {
	awards, err := s.ledger.GetUserAwards(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load awards for user %d: %w", userID, err)
	}

	for i := range awards {
		if awards[i].Badge != nil {
			continue
		}
		def, err := s.catalog.GetByID(ctx, awards[i].BadgeID)
		if err != nil {
			s.log.Warn().
				Err(err).
				Uint("badge_id", awards[i].BadgeID).
				Msg("Award references a badge missing from the catalog")
			continue
		}
		awards[i].Badge = def
	}
	return awards, nil
}

// GetUserStats aggregates a user's earned badges.
func (s *Service) GetUserStats(ctx context.Context, userID uint) (*UserBadgeStats, error) {
	awards, err := s.GetUserBadges(ctx, userID)
	if err != nil {
		return nil, err
	}

	withBadge := lo.Filter(awards, func(a models.UserBadge, _ int) bool { return a.Badge != nil })
	stats := &UserBadgeStats{
		UserID:      userID,
		TotalBadges: len(awards),
		ByRuleType: lo.CountValuesBy(withBadge, func(a models.UserBadge) models.RuleType {
			return a.Badge.RuleType
		}),
		TotalBonusPoints: lo.SumBy(withBadge, func(a models.UserBadge) int {
			return a.Badge.TotalBonusPoints()
		}),
		Pending: lo.CountBy(awards, func(a models.UserBadge) bool { return !a.Notified }),
	}

	if len(awards) > 0 {
		latest := lo.MaxBy(awards, func(a, b models.UserBadge) bool { return a.EarnedAt.After(b.EarnedAt) })
		stats.LatestEarnedAt = &latest.EarnedAt
	}
	stats.PrimaryBadge = PrimaryBadge(awards)
	return stats, nil
}

// GetBadgeCatalog returns the active badge definitions.
func (s *Service) GetBadgeCatalog(ctx context.Context) ([]models.BadgeDefinition, error) {
	return s.catalog.ListActive(ctx)
}

// GetBadge returns one definition, active or not.
func (s *Service) GetBadge(ctx context.Context, id uint) (*models.BadgeDefinition, error) {
	return s.catalog.GetByID(ctx, id)
}

// PendingNotifications returns the grants that never reached a live session.
func (s *Service) PendingNotifications(ctx context.Context, userID uint) ([]AwardResult, error) {
	awards, err := s.GetUserBadges(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending := lo.Filter(awards, func(a models.UserBadge, _ int) bool {
		return !a.Notified && a.Badge != nil
	})
	return lo.Map(pending, func(a models.UserBadge, _ int) AwardResult {
		return AwardResult{
			UserID:      userID,
			Badge:       *a.Badge,
			EarnedAt:    a.EarnedAt,
			BonusPoints: a.Badge.TotalBonusPoints(),
		}
	}), nil
}

// MarkNotified records that a grant was delivered to a live session.
func (s *Service) MarkNotified(ctx context.Context, userID, badgeID uint) error {
	if err := s.ledger.MarkNotified(ctx, userID, badgeID); err != nil {
		return fmt.Errorf("failed to mark badge %d notified for user %d: %w", badgeID, userID, err)
	}
	return nil
}
