package badges

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aimd54/travelqa/internal/models"
)

const (
	// ExpertMinRating is the average rating a category expert must hold.
	ExpertMinRating = 4.5
	// ActivityWindow is how recent the last activity must be for activity-level badges.
	ActivityWindow = 7 * 24 * time.Hour
)

var (
	// ErrUnknownRuleType is returned for definitions with a rule type the engine cannot evaluate.
	ErrUnknownRuleType = errors.New("unknown badge rule type")
	// ErrStatsUnavailable is returned when a user's stats snapshot cannot be loaded.
	ErrStatsUnavailable = errors.New("stats unavailable")
	// ErrBadgeNotFound is returned when a badge ID is not in the catalog.
	ErrBadgeNotFound = errors.New("badge not found")
)

// Result is the outcome of evaluating one badge definition against one stats snapshot.
type Result struct {
	Earned   bool    `json:"earned"`
	Progress float64 `json:"progress"` // 0..1
	Detail   string  `json:"detail"`
}

// Evaluate checks a stats snapshot against a single badge definition.
// It has no side effects; thresholds are inclusive and never rounded.
func Evaluate(stats *models.UserStatsSnapshot, def *models.BadgeDefinition, now time.Time) (Result, error) {
	if stats == nil {
		return Result{}, ErrStatsUnavailable
	}

	switch def.RuleType {
	case models.RuleCategoryExpert:
		return evaluateCategoryExpert(stats, def), nil
	case models.RuleAchievement:
		return evaluateAchievement(stats, def), nil
	case models.RuleActivityLevel:
		return evaluateActivity(stats, now), nil
	case models.RuleVerification, models.RuleSocial, models.RuleSpecial:
		return evaluateFlag(stats, def), nil
	default:
		return Result{}, fmt.Errorf("%w: %q (badge %s)", ErrUnknownRuleType, def.RuleType, def.Code)
	}
}

func evaluateCategoryExpert(stats *models.UserStatsSnapshot, def *models.BadgeDefinition) Result {
	answers := stats.AnswerCount
	scope := "answers"
	if def.Category != "" {
		answers = stats.CategoryAnswers[def.Category]
		scope = def.Category + " answers"
	}

	earned := answers >= def.RequiredAnswers && stats.AverageRating >= ExpertMinRating
	progress := fraction(float64(answers), float64(def.RequiredAnswers)) *
		fraction(stats.AverageRating, ExpertMinRating)

	return Result{
		Earned:   earned,
		Progress: progress,
		Detail: fmt.Sprintf("%d/%d %s, rating %.1f/%.1f",
			answers, def.RequiredAnswers, scope, stats.AverageRating, ExpertMinRating),
	}
}

func evaluateAchievement(stats *models.UserStatsSnapshot, def *models.BadgeDefinition) Result {
	requiredRate := 0.0
	if def.RequiredAdoptRate != nil {
		requiredRate = *def.RequiredAdoptRate
	}

	// No answers means no adopt rate and never earned.
	rate := 0.0
	if stats.AnswerCount > 0 {
		rate = float64(stats.AdoptedAnswerCount) / float64(stats.AnswerCount)
	}

	earned := stats.AnswerCount > 0 &&
		stats.AnswerCount >= def.RequiredAnswers &&
		rate >= requiredRate

	rateFactor := fraction(rate, requiredRate)
	if stats.AnswerCount == 0 {
		rateFactor = 0
	}
	progress := fraction(float64(stats.AnswerCount), float64(def.RequiredAnswers)) * rateFactor

	return Result{
		Earned:   earned,
		Progress: progress,
		Detail: fmt.Sprintf("%d/%d answers, adopt rate %.0f%%/%.0f%%",
			stats.AnswerCount, def.RequiredAnswers, rate*100, requiredRate*100),
	}
}

func evaluateActivity(stats *models.UserStatsSnapshot, now time.Time) Result {
	if stats.LastActivityAt.IsZero() {
		return Result{Detail: "no recorded activity"}
	}

	age := now.Sub(stats.LastActivityAt)
	if age <= ActivityWindow {
		return Result{Earned: true, Progress: 1, Detail: "active within the last 7 days"}
	}
	return Result{Detail: fmt.Sprintf("last active %d days ago", int(age.Hours()/24))}
}

func evaluateFlag(stats *models.UserStatsSnapshot, def *models.BadgeDefinition) Result {
	flag := def.FlagName()
	if stats.Flags[flag] {
		return Result{Earned: true, Progress: 1, Detail: flag}
	}
	return Result{Detail: "missing " + flag}
}

// fraction returns min(1, have/need), treating a zero requirement as satisfied.
func fraction(have, need float64) float64 {
	if need <= 0 {
		return 1
	}
	if have <= 0 {
		return 0
	}
	return math.Min(1, have/need)
}

// Percent rounds a progress fraction for display.
func Percent(progress float64) int {
	return int(math.Round(progress * 100))
}
