package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aimd54/travelqa/internal/models"
)

// RedisAwardLedger keeps award records in Redis.
//
// Each award is a hash at award:<user>:<badge> holding earned_at and notified. A set at
// awards:<user> indexes the badge IDs. Both are written by one script so a record never
// exists without its index entry.
type RedisAwardLedger struct {
	client *redis.Client
	prefix string
}

// tryAwardScript returns 1 when it created the award. The index is written first so a
// failing SADD leaves nothing behind. An existing record gets its index entry restored.
var tryAwardScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('SADD', KEYS[2], ARGV[2])
	return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'earned_at', ARGV[1], 'notified', '0')
return 1
`)

// NewRedisAwardLedger creates a ledger on top of an existing client.
func NewRedisAwardLedger(client *redis.Client, prefix string) *RedisAwardLedger {
	if prefix == "" {
		prefix = "travelqa"
	}
	return &RedisAwardLedger{client: client, prefix: prefix}
}

func (l *RedisAwardLedger) awardKey(userID, badgeID uint) string {
	return fmt.Sprintf("%s:award:%d:%d", l.prefix, userID, badgeID)
}

func (l *RedisAwardLedger) userKey(userID uint) string {
	return fmt.Sprintf("%s:awards:%d", l.prefix, userID)
}

// TryAward records the award if absent. Exactly one concurrent caller observes true.
func (l *RedisAwardLedger) TryAward(ctx context.Context, userID, badgeID uint, earnedAt time.Time) (bool, error) {
	keys := []string{l.awardKey(userID, badgeID), l.userKey(userID)}
	created, err := tryAwardScript.Run(ctx, l.client, keys,
		earnedAt.UTC().Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(badgeID), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to insert award: %w", err)
	}
	return created == 1, nil
}

// HasEarned checks if a user has earned a specific badge.
func (l *RedisAwardLedger) HasEarned(ctx context.Context, userID, badgeID uint) (bool, error) {
	n, err := l.client.Exists(ctx, l.awardKey(userID, badgeID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetUserAwards returns the user's award records ordered by earn time. Badge details are not loaded.
func (l *RedisAwardLedger) GetUserAwards(ctx context.Context, userID uint) ([]models.UserBadge, error) {
	members, err := l.client.SMembers(ctx, l.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list awards for user %d: %w", userID, err)
	}

	awards := make([]models.UserBadge, 0, len(members))
	for _, m := range members {
		badgeID, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt award index entry %q: %w", m, err)
		}
		fields, err := l.client.HGetAll(ctx, l.awardKey(userID, uint(badgeID))).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load award %d for user %d: %w", badgeID, userID, err)
		}
		earnedAt, err := time.Parse(time.RFC3339Nano, fields["earned_at"])
		if err != nil {
			return nil, fmt.Errorf("corrupt earned_at for award %d: %w", badgeID, err)
		}
		awards = append(awards, models.UserBadge{
			UserID:   userID,
			BadgeID:  uint(badgeID),
			EarnedAt: earnedAt,
			Notified: fields["notified"] == "1",
		})
	}

	sort.Slice(awards, func(i, j int) bool {
		if awards[i].EarnedAt.Equal(awards[j].EarnedAt) {
			return awards[i].BadgeID < awards[j].BadgeID
		}
		return awards[i].EarnedAt.Before(awards[j].EarnedAt)
	})
	return awards, nil
}

// MarkNotified records that a grant reached a live session.
func (l *RedisAwardLedger) MarkNotified(ctx context.Context, userID, badgeID uint) error {
	key := l.awardKey(userID, badgeID)
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return l.client.HSet(ctx, key, "notified", "1").Err()
}
