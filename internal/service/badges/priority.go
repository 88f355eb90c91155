package badges

import (
	"github.com/aimd54/travelqa/internal/models"
)

// primaryOrder ranks rule types for choosing the badge shown next to a username.
var primaryOrder = map[models.RuleType]int{
	models.RuleVerification:   0,
	models.RuleCategoryExpert: 1,
	models.RuleActivityLevel:  2,
	models.RuleAchievement:    3,
	models.RuleSocial:         4,
	models.RuleSpecial:        5,
}

// PrimaryBadge picks the badge to display from an already-earned set.
// Records without badge details are ignored. Ties go to the earliest grant, then the lowest badge ID.
func PrimaryBadge(awards []models.UserBadge) *models.UserBadge {
	var best *models.UserBadge
	for i := range awards {
		a := &awards[i]
		if a.Badge == nil {
			continue
		}
		if best == nil || outranks(a, best) {
			best = a
		}
	}
	return best
}

func outranks(a, b *models.UserBadge) bool {
	ra, rb := rank(a.Badge.RuleType), rank(b.Badge.RuleType)
	if ra != rb {
		return ra < rb
	}
	if !a.EarnedAt.Equal(b.EarnedAt) {
		return a.EarnedAt.Before(b.EarnedAt)
	}
	return a.BadgeID < b.BadgeID
}

func rank(r models.RuleType) int {
	if o, ok := primaryOrder[r]; ok {
		return o
	}
	return len(primaryOrder)
}
