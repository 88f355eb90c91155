package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aimd54/travelqa/internal/models"
)

// MockStatsProvider is a simple mock for the stats snapshot source
type MockStatsProvider struct {
	SnapshotFunc func(ctx context.Context, userID uint) (*models.UserStatsSnapshot, error)
}

func (m *MockStatsProvider) Snapshot(ctx context.Context, userID uint) (*models.UserStatsSnapshot, error) {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx, userID)
	}
	return &models.UserStatsSnapshot{UserID: userID}, nil
}

// MockUserLister is a simple mock for the active user listing
type MockUserLister struct {
	ListActiveUserIDsFunc func(ctx context.Context) ([]uint, error)
}

func (m *MockUserLister) ListActiveUserIDs(ctx context.Context) ([]uint, error) {
	if m.ListActiveUserIDsFunc != nil {
		return m.ListActiveUserIDsFunc(ctx)
	}
	return []uint{}, nil
}

// PointsCredit is one recorded AddPoints call
type PointsCredit struct {
	UserID uint
	Points int
	Reason string
}

// MockPointsLedger records credited points
type MockPointsLedger struct {
	AddPointsFunc func(ctx context.Context, userID uint, points int, reason string) error

	mu      sync.Mutex
	Credits []PointsCredit
}

func (m *MockPointsLedger) AddPoints(ctx context.Context, userID uint, points int, reason string) error {
	if m.AddPointsFunc != nil {
		if err := m.AddPointsFunc(ctx, userID, points, reason); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Credits = append(m.Credits, PointsCredit{UserID: userID, Points: points, Reason: reason})
	return nil
}

// Total returns the points credited to a user
func (m *MockPointsLedger) Total(userID uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.Credits {
		if c.UserID == userID {
			total += c.Points
		}
	}
	return total
}

// MemoryAwardLedger is an in-memory award ledger safe for concurrent use
type MemoryAwardLedger struct {
	TryAwardErr func(userID, badgeID uint) error

	mu     sync.Mutex
	awards map[uint]map[uint]*models.UserBadge
}

func NewMemoryAwardLedger() *MemoryAwardLedger {
	return &MemoryAwardLedger{awards: make(map[uint]map[uint]*models.UserBadge)}
}

func (m *MemoryAwardLedger) TryAward(_ context.Context, userID, badgeID uint, earnedAt time.Time) (bool, error) {
	if m.TryAwardErr != nil {
		if err := m.TryAwardErr(userID, badgeID); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.awards[userID] == nil {
		m.awards[userID] = make(map[uint]*models.UserBadge)
	}
	if _, ok := m.awards[userID][badgeID]; ok {
		return false, nil
	}
	m.awards[userID][badgeID] = &models.UserBadge{UserID: userID, BadgeID: badgeID, EarnedAt: earnedAt}
	return true, nil
}

func (m *MemoryAwardLedger) HasEarned(_ context.Context, userID, badgeID uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.awards[userID][badgeID]
	return ok, nil
}

func (m *MemoryAwardLedger) GetUserAwards(_ context.Context, userID uint) ([]models.UserBadge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]models.UserBadge, 0, len(m.awards[userID]))
	for _, a := range m.awards[userID] {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EarnedAt.Equal(result[j].EarnedAt) {
			return result[i].BadgeID < result[j].BadgeID
		}
		return result[i].EarnedAt.Before(result[j].EarnedAt)
	})
	return result, nil
}

func (m *MemoryAwardLedger) MarkNotified(_ context.Context, userID, badgeID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.awards[userID][badgeID]; ok {
		a.Notified = true
	}
	return nil
}

// Count returns the number of award records held for a user
func (m *MemoryAwardLedger) Count(userID uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.awards[userID])
}
