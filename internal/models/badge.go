// Package models defines domain models for the community Q&A badge and realtime system.
package models

import (
	"time"
)

// RuleType classifies how a badge definition is evaluated.
type RuleType string

// Rule types, in display order.
const (
	RuleCategoryExpert RuleType = "category-expert"
	RuleActivityLevel  RuleType = "activity-level"
	RuleAchievement    RuleType = "achievement"
	RuleSpecial        RuleType = "special"
	RuleSocial         RuleType = "social"
	RuleVerification   RuleType = "verification"
)

var ruleTypeOrder = map[RuleType]int{
	RuleCategoryExpert: 0,
	RuleActivityLevel:  1,
	RuleAchievement:    2,
	RuleSpecial:        3,
	RuleSocial:         4,
	RuleVerification:   5,
}

// Valid reports whether r is a known rule type.
func (r RuleType) Valid() bool {
	_, ok := ruleTypeOrder[r]
	return ok
}

// Order returns the display ordinal of the rule type. Unknown types sort last.
func (r RuleType) Order() int {
	if o, ok := ruleTypeOrder[r]; ok {
		return o
	}
	return len(ruleTypeOrder)
}

// IsFlagRule reports whether the rule is satisfied by a boolean flag on the stats snapshot.
func (r RuleType) IsFlagRule() bool {
	return r == RuleVerification || r == RuleSocial || r == RuleSpecial
}

// DefaultVerificationFlag is the snapshot flag checked by verification badges without an explicit flag.
const DefaultVerificationFlag = "verified"

// BadgeDefinition describes one badge a user can unlock.
type BadgeDefinition struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Code              string    `gorm:"uniqueIndex;not null;size:100" json:"code"`
	Name              string    `gorm:"not null;size:100" json:"name"`
	Description       string    `gorm:"type:text" json:"description"`
	Icon              string    `gorm:"size:50" json:"icon"`
	RuleType          RuleType  `gorm:"not null;size:32;index" json:"rule_type"`
	Category          string    `gorm:"size:100" json:"category,omitempty"`
	RequiredAnswers   int       `gorm:"not null;default:0" json:"required_answers"`
	RequiredAdoptRate *float64  `json:"required_adopt_rate,omitempty"`
	BonusPoints       int       `gorm:"not null;default:0" json:"bonus_points"`
	AdoptBonusPoints  *int      `json:"adopt_bonus_points,omitempty"`
	Flag              string    `gorm:"size:100" json:"flag,omitempty"`
	IsActive          bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName specifies the table name for BadgeDefinition model.
func (BadgeDefinition) TableName() string {
	return "badge_definitions"
}

// FlagName returns the snapshot flag a flag-rule badge checks.
func (b *BadgeDefinition) FlagName() string {
	if b.Flag != "" {
		return b.Flag
	}
	if b.RuleType == RuleVerification {
		return DefaultVerificationFlag
	}
	return b.Code
}

// TotalBonusPoints returns the points credited when the badge is granted.
func (b *BadgeDefinition) TotalBonusPoints() int {
	total := b.BonusPoints
	if b.AdoptBonusPoints != nil {
		total += *b.AdoptBonusPoints
	}
	return total
}

// UserBadge is an award record: a badge earned by a user.
// The composite unique index makes the (user, badge) pair insert-once.
type UserBadge struct {
	ID       uint             `gorm:"primaryKey" json:"id"`
	UserID   uint             `gorm:"not null;uniqueIndex:idx_user_badges_user_badge" json:"user_id"`
	BadgeID  uint             `gorm:"not null;uniqueIndex:idx_user_badges_user_badge;index" json:"badge_id"`
	Badge    *BadgeDefinition `gorm:"foreignKey:BadgeID" json:"badge,omitempty"`
	EarnedAt time.Time        `gorm:"not null" json:"earned_at"`
	Notified bool             `gorm:"not null;default:false" json:"notified"`
}

// TableName specifies the table name for UserBadge model.
func (UserBadge) TableName() string {
	return "user_badges"
}
