package badges

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/pkg/logger"
	"github.com/aimd54/travelqa/test/mocks"
)

var fixedNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	awards []AwardResult
}

func (n *recordingNotifier) BadgeAwarded(_ context.Context, award AwardResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.awards = append(n.awards, award)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.awards)
}

func testCatalog() *StaticCatalog {
	return NewStaticCatalog([]models.BadgeDefinition{
		{ID: 1, Code: "tokyo-expert", Name: "Tokyo Expert", RuleType: models.RuleCategoryExpert, RequiredAnswers: 50, BonusPoints: 100, IsActive: true},
		{ID: 2, Code: "helpful", Name: "Helpful", RuleType: models.RuleAchievement, RequiredAnswers: 10, RequiredAdoptRate: floatPtr(0.5), BonusPoints: 20, AdoptBonusPoints: intPtr(5), IsActive: true},
		{ID: 3, Code: "active", Name: "Active", RuleType: models.RuleActivityLevel, BonusPoints: 10, IsActive: true},
		{ID: 4, Code: "verified-guide", Name: "Verified Guide", RuleType: models.RuleVerification, IsActive: true},
		{ID: 5, Code: "retired", Name: "Retired", RuleType: models.RuleAchievement, IsActive: false},
	})
}

type testEnv struct {
	svc      *Service
	ledger   *mocks.MemoryAwardLedger
	points   *mocks.MockPointsLedger
	stats    *mocks.MockStatsProvider
	users    *mocks.MockUserLister
	notifier *recordingNotifier
}

func setupTestService(snapshots map[uint]*models.UserStatsSnapshot) *testEnv {
	env := &testEnv{
		ledger:   mocks.NewMemoryAwardLedger(),
		points:   &mocks.MockPointsLedger{},
		notifier: &recordingNotifier{},
	}
	var mu sync.Mutex
	env.stats = &mocks.MockStatsProvider{
		SnapshotFunc: func(_ context.Context, userID uint) (*models.UserStatsSnapshot, error) {
			mu.Lock()
			defer mu.Unlock()
			s, ok := snapshots[userID]
			if !ok {
				return nil, errors.New("stats backend timeout")
			}
			copied := *s
			return &copied, nil
		},
	}
	env.users = &mocks.MockUserLister{
		ListActiveUserIDsFunc: func(context.Context) ([]uint, error) {
			ids := make([]uint, 0, len(snapshots))
			for id := range snapshots {
				ids = append(ids, id)
			}
			return ids, nil
		},
	}

	log := logger.New("debug", "text", "stdout")
	env.svc = NewService(testCatalog(), env.ledger, env.stats, env.users, env.points, log,
		WithClock(func() time.Time { return fixedNow }))
	env.svc.SetNotifier(env.notifier)
	return env
}

func TestCheckAndAward_GrantsEarnedBadges(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AdoptedAnswerCount: 30, AverageRating: 4.5, LastActivityAt: fixedNow.Add(-time.Hour)},
	})

	awards, err := env.svc.CheckAndAward(context.Background(), 1)
	require.NoError(t, err)

	codes := make([]string, 0, len(awards))
	for _, a := range awards {
		codes = append(codes, a.Badge.Code)
	}
	assert.ElementsMatch(t, []string{"tokyo-expert", "helpful", "active"}, codes)

	// helpful credits its adopt bonus on top of the base bonus
	assert.Equal(t, 100+25+10, env.points.Total(1))
	assert.Len(t, env.points.Credits, 3)
	assert.Equal(t, 3, env.notifier.count())
	assert.Equal(t, 3, env.ledger.Count(1))
}

func TestCheckAndAward_Idempotent(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AverageRating: 4.9},
	})
	ctx := context.Background()

	first, err := env.svc.CheckAndAward(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := env.svc.CheckAndAward(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, second)

	assert.Len(t, env.points.Credits, 1)
	assert.Equal(t, 1, env.notifier.count())
}

func TestCheckAndAward_StatsUnavailable(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{})

	awards, err := env.svc.CheckAndAward(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStatsUnavailable))
	assert.Empty(t, awards)
}

func TestCheckAndAward_LedgerFailureKeepsOtherGrants(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AverageRating: 4.6, Flags: map[string]bool{"verified": true}},
	})
	env.ledger.TryAwardErr = func(_, badgeID uint) error {
		if badgeID == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	awards, err := env.svc.CheckAndAward(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokyo-expert")
	require.Len(t, awards, 1)
	assert.Equal(t, "verified-guide", awards[0].Badge.Code)
}

func TestCheckAndAward_ConcurrentCallsGrantOnce(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 60, AverageRating: 5},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.svc.CheckAndAward(context.Background(), 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.ledger.Count(1))
	assert.Equal(t, 1, env.notifier.count())
	assert.Equal(t, 100, env.points.Total(1))
}

func TestBatchProcessAllUsers_PartialFailure(t *testing.T) {
	snapshots := map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AverageRating: 4.5},
		2: {UserID: 2, AnswerCount: 55, AverageRating: 4.7},
		3: {UserID: 3, AnswerCount: 3},
	}
	env := setupTestService(snapshots)
	env.users.ListActiveUserIDsFunc = func(context.Context) ([]uint, error) {
		return []uint{1, 2, 3, 4}, nil
	}

	result := env.svc.BatchProcessAllUsers(context.Background())

	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 2, result.Granted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "user 4")
	assert.False(t, result.Cancelled)
}

func TestBatchProcessAllUsers_ListFailure(t *testing.T) {
	env := setupTestService(nil)
	env.users.ListActiveUserIDsFunc = func(context.Context) ([]uint, error) {
		return nil, errors.New("db down")
	}

	result := env.svc.BatchProcessAllUsers(context.Background())
	assert.Equal(t, 0, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "db down")
}

func TestBatchProcessAllUsers_Cancelled(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AverageRating: 4.5},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := env.svc.BatchProcessAllUsers(ctx)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, env.ledger.Count(1))
}

func TestBatchProcessAllUsers_StopsLaunchingAfterCancel(t *testing.T) {
	ids := make([]uint, 50)
	snapshots := make(map[uint]*models.UserStatsSnapshot, len(ids))
	for i := range ids {
		ids[i] = uint(i + 1)
		snapshots[ids[i]] = &models.UserStatsSnapshot{UserID: ids[i]}
	}
	env := setupTestService(snapshots)
	env.users.ListActiveUserIDsFunc = func(context.Context) ([]uint, error) { return ids, nil }

	ctx, cancel := context.WithCancel(context.Background())
	var calls sync.Map
	env.stats.SnapshotFunc = func(_ context.Context, userID uint) (*models.UserStatsSnapshot, error) {
		calls.Store(userID, true)
		if userID == 5 {
			cancel()
		}
		return &models.UserStatsSnapshot{UserID: userID}, nil
	}
	env.svc = NewService(testCatalog(), env.ledger, env.stats, env.users, env.points,
		logger.New("debug", "text", "stdout"), WithBatchWorkers(1))

	result := env.svc.BatchProcessAllUsers(ctx)
	assert.True(t, result.Cancelled)
	assert.Less(t, result.Processed, len(ids))
	assert.Empty(t, result.Errors)
}

func TestGetUserProgress_SortOrder(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 20, AdoptedAnswerCount: 10, AverageRating: 4.0, Flags: map[string]bool{"verified": true}},
	})
	env.svc.catalog = NewStaticCatalog([]models.BadgeDefinition{
		{ID: 10, Code: "helpful", Name: "Helpful", RuleType: models.RuleAchievement, RequiredAnswers: 10, RequiredAdoptRate: floatPtr(0.5), IsActive: true},
		{ID: 11, Code: "prolific", Name: "Prolific", RuleType: models.RuleAchievement, RequiredAnswers: 100, IsActive: true},
		{ID: 12, Code: "veteran", Name: "Veteran", RuleType: models.RuleAchievement, RequiredAnswers: 40, IsActive: true},
		{ID: 13, Code: "kyoto-expert", Name: "Kyoto Expert", RuleType: models.RuleCategoryExpert, RequiredAnswers: 40, IsActive: true},
		{ID: 14, Code: "verified-guide", Name: "Verified Guide", RuleType: models.RuleVerification, IsActive: true},
		{ID: 15, Code: "active", Name: "Active", RuleType: models.RuleActivityLevel, IsActive: true},
	})

	views, err := env.svc.GetUserProgress(context.Background(), 1)
	require.NoError(t, err)

	got := make([]uint, 0, len(views))
	for _, v := range views {
		got = append(got, v.BadgeID)
	}
	// category-expert, activity-level, achievement (earned, 0.5, 0.2), verification
	assert.Equal(t, []uint{13, 15, 10, 12, 11, 14}, got)
	assert.Equal(t, 0, env.ledger.Count(1), "progress must not mutate the ledger")
	assert.Equal(t, 50, views[3].Percent)
}

func TestGetUserProgress_HeldBadgeShowsEarned(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1},
	})
	_, err := env.ledger.TryAward(context.Background(), 1, 1, fixedNow.Add(-48*time.Hour))
	require.NoError(t, err)

	views, err := env.svc.GetUserProgress(context.Background(), 1)
	require.NoError(t, err)

	require.NotEmpty(t, views)
	assert.Equal(t, uint(1), views[0].BadgeID)
	assert.True(t, views[0].Earned)
	assert.Equal(t, 100, views[0].Percent)
	require.NotNil(t, views[0].EarnedAt)
}

func TestGetUserStats(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AdoptedAnswerCount: 25, AverageRating: 4.8, Flags: map[string]bool{"verified": true}},
	})
	ctx := context.Background()

	_, err := env.svc.CheckAndAward(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, env.svc.MarkNotified(ctx, 1, 1))

	stats, err := env.svc.GetUserStats(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalBadges)
	assert.Equal(t, 1, stats.ByRuleType[models.RuleCategoryExpert])
	assert.Equal(t, 1, stats.ByRuleType[models.RuleAchievement])
	assert.Equal(t, 1, stats.ByRuleType[models.RuleVerification])
	assert.Equal(t, 100+25, stats.TotalBonusPoints)
	assert.Equal(t, 2, stats.Pending)
	require.NotNil(t, stats.LatestEarnedAt)
	require.NotNil(t, stats.PrimaryBadge)
	assert.Equal(t, "verified-guide", stats.PrimaryBadge.Badge.Code)
}

func TestPendingNotifications(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AverageRating: 4.5, Flags: map[string]bool{"verified": true}},
	})
	ctx := context.Background()

	_, err := env.svc.CheckAndAward(ctx, 1)
	require.NoError(t, err)

	pending, err := env.svc.PendingNotifications(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, env.svc.MarkNotified(ctx, 1, 4))
	pending, err = env.svc.PendingNotifications(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tokyo-expert", pending[0].Badge.Code)
}

func TestGetBadgeCatalog_OnlyActive(t *testing.T) {
	env := setupTestService(nil)

	defs, err := env.svc.GetBadgeCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 4)
	for _, d := range defs {
		assert.NotEqual(t, "retired", d.Code)
	}
}

func TestGetBadge(t *testing.T) {
	env := setupTestService(nil)

	def, err := env.svc.GetBadge(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "retired", def.Code)

	_, err = env.svc.GetBadge(context.Background(), 42)
	assert.ErrorIs(t, err, ErrBadgeNotFound)
}

type cancellingNotifier struct {
	recordingNotifier
	cancel context.CancelFunc
}

func (n *cancellingNotifier) BadgeAwarded(ctx context.Context, award AwardResult) {
	n.recordingNotifier.BadgeAwarded(ctx, award)
	n.cancel()
}

func TestBatchProcessAllUsers_CancelledMidUserKeepsGrants(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {
			UserID:         1,
			AnswerCount:    50,
			AverageRating:  4.5,
			LastActivityAt: fixedNow.Add(-time.Hour),
			Flags:          map[string]bool{"verified": true},
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.svc.SetNotifier(&cancellingNotifier{cancel: cancel})

	result := env.svc.BatchProcessAllUsers(ctx)

	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, env.ledger.Count(1), "only the first grant lands before cancellation")
	assert.Equal(t, 100, env.points.Total(1))
	assert.Equal(t, 1, result.Granted)
	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, result.Errors)
}

// indexFailingLedger writes the record but reports a failed follow-up step.
type indexFailingLedger struct {
	*mocks.MemoryAwardLedger
}

func (l indexFailingLedger) TryAward(ctx context.Context, userID, badgeID uint, earnedAt time.Time) (bool, error) {
	ok, err := l.MemoryAwardLedger.TryAward(ctx, userID, badgeID, earnedAt)
	if ok && err == nil {
		return true, errors.New("index write failed")
	}
	return ok, err
}

func TestCheckAndAward_WrittenRecordWithErrorIsSettled(t *testing.T) {
	env := setupTestService(map[uint]*models.UserStatsSnapshot{
		1: {UserID: 1, AnswerCount: 50, AverageRating: 4.8},
	})
	ledger := indexFailingLedger{MemoryAwardLedger: env.ledger}
	env.svc = NewService(testCatalog(), ledger, env.stats, env.users, env.points,
		logger.New("debug", "text", "stdout"), WithClock(func() time.Time { return fixedNow }))
	env.svc.SetNotifier(env.notifier)
	ctx := context.Background()

	awards, err := env.svc.CheckAndAward(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index write failed")
	require.Len(t, awards, 1)
	assert.Equal(t, "tokyo-expert", awards[0].Badge.Code)
	assert.Equal(t, 100, env.points.Total(1))
	assert.Equal(t, 1, env.notifier.count())

	again, err := env.svc.CheckAndAward(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 100, env.points.Total(1), "points are credited once")
}
