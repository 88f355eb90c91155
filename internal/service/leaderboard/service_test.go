package leaderboard

import (
	"context"
	"errors"
	"testing"

	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/pkg/logger"
)

type mockContributorRepository struct {
	byCategory map[string][]models.Contributor
	err        error
}

func (m *mockContributorRepository) ListContributors(_ context.Context, category string) ([]models.Contributor, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byCategory[category], nil
}

type mockAwardCounter struct {
	counts map[uint]int
	err    error
}

func (m *mockAwardCounter) CountAwardsByUser(context.Context) (map[uint]int, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.counts, nil
}

func newTestService() (*Service, *mockContributorRepository, *mockAwardCounter) {
	contributors := &mockContributorRepository{byCategory: map[string][]models.Contributor{
		"": {
			{UserID: 1, Username: "alice", Points: 300, AnswerCount: 40, AdoptedAnswerCount: 10, AverageRating: 4.6},
			{UserID: 2, Username: "bob", Points: 150, AnswerCount: 12, AdoptedAnswerCount: 9, AverageRating: 4.9},
			{UserID: 3, Username: "carol", Points: 300, AnswerCount: 5, AdoptedAnswerCount: 1, AverageRating: 3.8},
			{UserID: 4, Username: "newbie"},
		},
		"kyoto": {
			{UserID: 1, Username: "alice", Points: 300, AnswerCount: 15, AdoptedAnswerCount: 10, AverageRating: 4.6},
			{UserID: 3, Username: "carol", Points: 300, AnswerCount: 20, AdoptedAnswerCount: 1, AverageRating: 3.8},
		},
	}}
	awards := &mockAwardCounter{counts: map[uint]int{1: 2, 2: 5, 3: 1}}
	return NewService(contributors, awards, logger.New("debug", "text", "stdout")), contributors, awards
}

func usernames(entries []Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Username
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGetGlobalLeaderboard_Metrics(t *testing.T) {
	service, _, _ := newTestService()

	tests := []struct {
		metric string
		want   []string
	}{
		{metric: MetricPoints, want: []string{"alice", "carol", "bob", "newbie"}},
		{metric: MetricBadges, want: []string{"bob", "alice", "carol", "newbie"}},
		{metric: MetricAnswers, want: []string{"alice", "bob", "carol", "newbie"}},
		{metric: MetricAdopted, want: []string{"alice", "bob", "carol", "newbie"}},
		{metric: MetricRating, want: []string{"bob", "alice", "carol", "newbie"}},
	}

	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			entries, err := service.GetGlobalLeaderboard(context.Background(), tt.metric, 0)
			if err != nil {
				t.Fatalf("GetGlobalLeaderboard() error = %v", err)
			}
			if got := usernames(entries); !equalStrings(got, tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
			for i, e := range entries {
				if e.Rank != i+1 {
					t.Errorf("entry %d rank = %d, want %d", i, e.Rank, i+1)
				}
			}
		})
	}
}

func TestGetGlobalLeaderboard_EntryFields(t *testing.T) {
	service, _, _ := newTestService()

	entries, err := service.GetGlobalLeaderboard(context.Background(), MetricPoints, 0)
	if err != nil {
		t.Fatalf("GetGlobalLeaderboard() error = %v", err)
	}

	alice := entries[0]
	if alice.BadgeCount != 2 {
		t.Errorf("BadgeCount = %d, want 2", alice.BadgeCount)
	}
	if alice.AdoptRate != 0.25 {
		t.Errorf("AdoptRate = %v, want 0.25", alice.AdoptRate)
	}

	newbie := entries[3]
	if newbie.AdoptRate != 0 || newbie.BadgeCount != 0 {
		t.Errorf("newbie entry = %+v, want zero rate and badges", newbie)
	}
}

func TestGetGlobalLeaderboard_Limit(t *testing.T) {
	service, _, _ := newTestService()

	entries, err := service.GetGlobalLeaderboard(context.Background(), MetricPoints, 2)
	if err != nil {
		t.Fatalf("GetGlobalLeaderboard() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Rank != 2 {
		t.Errorf("rank = %d, want 2", entries[1].Rank)
	}
}

func TestGetCategoryLeaderboard(t *testing.T) {
	service, _, _ := newTestService()

	entries, err := service.GetCategoryLeaderboard(context.Background(), "kyoto", MetricAnswers, 10)
	if err != nil {
		t.Fatalf("GetCategoryLeaderboard() error = %v", err)
	}
	if got := usernames(entries); !equalStrings(got, []string{"carol", "alice"}) {
		t.Errorf("order = %v, want [carol alice]", got)
	}

	empty, err := service.GetCategoryLeaderboard(context.Background(), "hokkaido", MetricPoints, 10)
	if err != nil {
		t.Fatalf("GetCategoryLeaderboard() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty leaderboard, got %d entries", len(empty))
	}
}

func TestGetLeaderboard_InvalidMetric(t *testing.T) {
	service, _, _ := newTestService()

	if _, err := service.GetGlobalLeaderboard(context.Background(), "karma", 10); err == nil {
		t.Error("expected error for invalid metric")
	}
}

func TestGetLeaderboard_RepositoryFailure(t *testing.T) {
	service, contributors, _ := newTestService()
	contributors.err = errors.New("connection refused")

	if _, err := service.GetGlobalLeaderboard(context.Background(), MetricPoints, 10); err == nil {
		t.Error("expected error when contributors cannot be loaded")
	}
}

func TestGetLeaderboard_BadgeCountFailureDegrades(t *testing.T) {
	service, _, awards := newTestService()
	awards.err = errors.New("timeout")

	entries, err := service.GetGlobalLeaderboard(context.Background(), MetricBadges, 0)
	if err != nil {
		t.Fatalf("GetGlobalLeaderboard() error = %v", err)
	}
	if got := usernames(entries); !equalStrings(got, []string{"alice", "bob", "carol", "newbie"}) {
		t.Errorf("order = %v, want user id order when badge counts are missing", got)
	}
}

func TestGetUserRank(t *testing.T) {
	service, _, _ := newTestService()

	rank, err := service.GetUserRank(context.Background(), 3, MetricPoints)
	if err != nil {
		t.Fatalf("GetUserRank() error = %v", err)
	}
	if rank != 2 {
		t.Errorf("rank = %d, want 2", rank)
	}

	_, err = service.GetUserRank(context.Background(), 99, MetricPoints)
	if !errors.Is(err, ErrUserNotRanked) {
		t.Errorf("GetUserRank() error = %v, want ErrUserNotRanked", err)
	}
}

func TestIsValidMetric(t *testing.T) {
	for _, m := range ValidMetrics {
		if !IsValidMetric(m) {
			t.Errorf("IsValidMetric(%q) = false", m)
		}
	}
	if IsValidMetric("") {
		t.Error("empty metric should be invalid")
	}
}
