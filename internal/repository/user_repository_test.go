package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/travelqa/internal/models"
)

func TestUserRepository_ListActiveUserIDs(t *testing.T) {
	db := setupBadgeTestDB(t)
	repo := NewUserRepository(db)

	alice := createTestUser(t, db, "alice", true)
	createTestUser(t, db, "ghost", false)
	carol := createTestUser(t, db, "carol", true)

	ids, err := repo.ListActiveUserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{alice.ID, carol.ID}, ids)
}

func TestUserRepository_AddPoints(t *testing.T) {
	db := setupBadgeTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := createTestUser(t, db, "alice", true)

	require.NoError(t, repo.AddPoints(ctx, user.ID, 100, "badge:tokyo-expert"))
	require.NoError(t, repo.AddPoints(ctx, user.ID, 25, "badge:helpful"))

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 125, got.Points)

	err = repo.AddPoints(ctx, 999, 10, "badge:helpful")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = repo.GetByID(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStatsRepository_Snapshot(t *testing.T) {
	db := setupBadgeTestDB(t)
	repo := NewStatsRepository(db)
	ctx := context.Background()

	user := createTestUser(t, db, "alice", true)
	lastActive := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, &models.UserStats{
		UserID:             user.ID,
		AnswerCount:        50,
		AdoptedAnswerCount: 20,
		HelpfulVoteCount:   140,
		AverageRating:      4.7,
		LastActivityAt:     &lastActive,
	}))
	require.NoError(t, repo.SetCategoryAnswers(ctx, user.ID, "tokyo", 30))
	require.NoError(t, repo.SetCategoryAnswers(ctx, user.ID, "tokyo", 32))
	require.NoError(t, repo.SetFlag(ctx, user.ID, "verified", true))
	require.NoError(t, repo.SetFlag(ctx, user.ID, "verified", true))
	require.NoError(t, repo.SetFlag(ctx, user.ID, "ambassador", true))
	require.NoError(t, repo.SetFlag(ctx, user.ID, "ambassador", false))

	snap, err := repo.Snapshot(ctx, user.ID)
	require.NoError(t, err)

	assert.Equal(t, 50, snap.AnswerCount)
	assert.Equal(t, 20, snap.AdoptedAnswerCount)
	assert.Equal(t, 140, snap.HelpfulVoteCount)
	assert.InDelta(t, 4.7, snap.AverageRating, 0.0001)
	assert.True(t, snap.LastActivityAt.Equal(lastActive))
	assert.Equal(t, map[string]int{"tokyo": 32}, snap.CategoryAnswers)
	assert.Equal(t, map[string]bool{"verified": true}, snap.Flags)
}

func TestStatsRepository_SnapshotMissing(t *testing.T) {
	db := setupBadgeTestDB(t)
	repo := NewStatsRepository(db)

	_, err := repo.Snapshot(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStatsRepository_ListContributors(t *testing.T) {
	db := setupBadgeTestDB(t)
	repo := NewStatsRepository(db)
	users := NewUserRepository(db)
	ctx := context.Background()

	alice := createTestUser(t, db, "alice", true)
	bob := createTestUser(t, db, "bob", true)
	ghost := createTestUser(t, db, "ghost", false)
	newbie := createTestUser(t, db, "newbie", true)

	require.NoError(t, repo.Upsert(ctx, &models.UserStats{UserID: alice.ID, AnswerCount: 40, AdoptedAnswerCount: 10, AverageRating: 4.6}))
	require.NoError(t, repo.Upsert(ctx, &models.UserStats{UserID: bob.ID, AnswerCount: 12, AdoptedAnswerCount: 9, AverageRating: 4.9}))
	require.NoError(t, repo.Upsert(ctx, &models.UserStats{UserID: ghost.ID, AnswerCount: 99}))
	require.NoError(t, repo.SetCategoryAnswers(ctx, alice.ID, "kyoto", 15))
	require.NoError(t, repo.SetCategoryAnswers(ctx, bob.ID, "osaka", 12))
	require.NoError(t, users.AddPoints(ctx, alice.ID, 300, "seed"))

	all, err := repo.ListContributors(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, models.Contributor{
		UserID: alice.ID, Username: "alice", Points: 300,
		AnswerCount: 40, AdoptedAnswerCount: 10, AverageRating: 4.6,
	}, all[0])
	assert.Equal(t, newbie.ID, all[2].UserID)
	assert.Equal(t, 0, all[2].AnswerCount, "users without stats still appear")

	kyoto, err := repo.ListContributors(ctx, "kyoto")
	require.NoError(t, err)
	require.Len(t, kyoto, 1)
	assert.Equal(t, "alice", kyoto[0].Username)
	assert.Equal(t, 15, kyoto[0].AnswerCount)

	none, err := repo.ListContributors(ctx, "hokkaido")
	require.NoError(t, err)
	assert.Empty(t, none)
}
