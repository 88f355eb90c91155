package models

import (
	"time"
)

// User represents a community member.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:255" json:"username"`
	Email     string    `gorm:"size:255" json:"email"`
	Points    int       `gorm:"not null;default:0" json:"points"`
	IsActive  bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for User model.
func (User) TableName() string {
	return "users"
}

// UserStats holds the contribution counters maintained by the Q&A application.
type UserStats struct {
	UserID             uint       `gorm:"primaryKey" json:"user_id"`
	AnswerCount        int        `gorm:"not null;default:0" json:"answer_count"`
	AdoptedAnswerCount int        `gorm:"not null;default:0" json:"adopted_answer_count"`
	HelpfulVoteCount   int        `gorm:"not null;default:0" json:"helpful_vote_count"`
	AverageRating      float64    `gorm:"not null;default:0" json:"average_rating"`
	LastActivityAt     *time.Time `json:"last_activity_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName specifies the table name for UserStats model.
func (UserStats) TableName() string {
	return "user_stats"
}

// UserCategoryStats counts answers a user wrote in one question category.
type UserCategoryStats struct {
	UserID      uint   `gorm:"primaryKey" json:"user_id"`
	Category    string `gorm:"primaryKey;size:100" json:"category"`
	AnswerCount int    `gorm:"not null;default:0" json:"answer_count"`
}

// TableName specifies the table name for UserCategoryStats model.
func (UserCategoryStats) TableName() string {
	return "user_category_stats"
}

// UserFlag is a boolean attribute such as "verified" used by flag-based badges.
type UserFlag struct {
	UserID uint   `gorm:"primaryKey" json:"user_id"`
	Flag   string `gorm:"primaryKey;size:100" json:"flag"`
}

// TableName specifies the table name for UserFlag model.
func (UserFlag) TableName() string {
	return "user_flags"
}

// UserStatsSnapshot is a read-only view of a user's contribution counters at evaluation time.
type UserStatsSnapshot struct {
	UserID             uint            `json:"user_id"`
	AnswerCount        int             `json:"answer_count"`
	AdoptedAnswerCount int             `json:"adopted_answer_count"`
	HelpfulVoteCount   int             `json:"helpful_vote_count"`
	AverageRating      float64         `json:"average_rating"`
	LastActivityAt     time.Time       `json:"last_activity_at"`
	CategoryAnswers    map[string]int  `json:"category_answers,omitempty"`
	Flags              map[string]bool `json:"flags,omitempty"`
}

// Contributor is one leaderboard row: a user joined with their contribution counters.
type Contributor struct {
	UserID             uint    `json:"user_id"`
	Username           string  `json:"username"`
	Points             int     `json:"points"`
	AnswerCount        int     `json:"answer_count"`
	AdoptedAnswerCount int     `json:"adopted_answer_count"`
	AverageRating      float64 `json:"average_rating"`
}
