// Package notify turns badge grants and Q&A activity into realtime room events.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aimd54/travelqa/internal/mattermost"
	"github.com/aimd54/travelqa/internal/models"
	"github.com/aimd54/travelqa/internal/realtime"
	"github.com/aimd54/travelqa/internal/service/badges"
	"github.com/aimd54/travelqa/pkg/logger"
)

const announceTimeout = 10 * time.Second

// BadgeService is the part of badges.Service the bridge drives.
type BadgeService interface {
	CheckAndAward(ctx context.Context, userID uint) ([]badges.AwardResult, error)
	PendingNotifications(ctx context.Context, userID uint) ([]badges.AwardResult, error)
	MarkNotified(ctx context.Context, userID, badgeID uint) error
}

// Announcer posts badge grants to a community channel.
type Announcer interface {
	SendBadgeAnnouncement(ctx context.Context, a mattermost.BadgeAnnouncement) error
}

// UserLookup resolves a user for announcements.
type UserLookup interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

// Bridge implements badges.Notifier and realtime.DeliveryObserver.
type Bridge struct {
	dispatcher *realtime.Dispatcher
	registry   *realtime.Registry
	badges     BadgeService
	log        *logger.Logger

	announcer Announcer
	users     UserLookup
	wg        sync.WaitGroup
}

// NewBridge creates a bridge. With a nil svc grants are pushed but never marked notified.
func NewBridge(dispatcher *realtime.Dispatcher, registry *realtime.Registry, svc BadgeService, log *logger.Logger) *Bridge {
	return &Bridge{
		dispatcher: dispatcher,
		registry:   registry,
		badges:     svc,
		log:        log,
	}
}

// SetAnnouncer enables best-effort community announcements of new grants.
func (b *Bridge) SetAnnouncer(a Announcer, users UserLookup) {
	b.announcer = a
	b.users = users
}

// BadgeAwarded pushes a grant to every room where the user has a live session.
// A grant with no live session stays pending until the user next connects.
func (b *Bridge) BadgeAwarded(ctx context.Context, award badges.AwardResult) {
	b.publishBadge(ctx, award)
	b.announce(award)
}

func (b *Bridge) publishBadge(ctx context.Context, award badges.AwardResult) int {
	rooms := b.registry.RoomsForUser(award.UserID)
	if len(rooms) == 0 {
		b.log.Debug().
			Uint("user_id", award.UserID).
			Str("badge", award.Badge.Code).
			Msg("User offline, badge notification left pending")
		return 0
	}

	evt := realtime.Event{
		Type:         realtime.EventBadgeAwarded,
		Notify:       true,
		TargetUserID: award.UserID,
		Payload: realtime.BadgeAwardedPayload{
			UserID:    award.UserID,
			BadgeID:   award.Badge.ID,
			BadgeName: award.Badge.Name,
			BadgeCode: award.Badge.Code,
			Icon:      award.Badge.Icon,
			Timestamp: award.EarnedAt,
		},
	}
	for _, room := range rooms {
		b.dispatcher.EnqueueUrgent(ctx, room, evt)
	}
	return len(rooms)
}

func (b *Bridge) announce(award badges.AwardResult) {
	if b.announcer == nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		defer cancel()

		a := mattermost.BadgeAnnouncement{
			BadgeName:   award.Badge.Name,
			BadgeIcon:   award.Badge.Icon,
			Description: award.Badge.Description,
			RuleType:    string(award.Badge.RuleType),
			BonusPoints: award.BonusPoints,
			EarnedAt:    award.EarnedAt,
		}
		if b.users != nil {
			if u, err := b.users.GetByID(ctx, award.UserID); err == nil {
				a.Username = u.Username
			}
		}
		if err := b.announcer.SendBadgeAnnouncement(ctx, a); err != nil {
			b.log.Warn().
				Err(err).
				Uint("user_id", award.UserID).
				Str("badge", award.Badge.Code).
				Msg("Failed to announce badge")
		}
	}()
}

// Wait blocks until in-flight announcements finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// OnDelivered marks a badge grant notified once it reached at least one session.
func (b *Bridge) OnDelivered(ctx context.Context, evt realtime.Event, sessions int) {
	if evt.Type != realtime.EventBadgeAwarded || sessions == 0 || b.badges == nil {
		return
	}
	p, ok := evt.Payload.(realtime.BadgeAwardedPayload)
	if !ok {
		return
	}
	if err := b.badges.MarkNotified(ctx, p.UserID, p.BadgeID); err != nil {
		b.log.Error().
			Err(err).
			Uint("user_id", p.UserID).
			Uint("badge_id", p.BadgeID).
			Msg("Failed to mark badge notified")
	}
}

// ReplayPending re-sends grants the user has not seen yet. It runs when a session is bound to a user.
func (b *Bridge) ReplayPending(ctx context.Context, sessionID string, userID uint) {
	if b.badges == nil || userID == 0 {
		return
	}
	pending, err := b.badges.PendingNotifications(ctx, userID)
	if err != nil {
		b.log.Warn().Err(err).Uint("user_id", userID).Msg("Failed to load pending badge notifications")
		return
	}
	for _, award := range pending {
		b.publishBadge(ctx, award)
	}
	if len(pending) > 0 {
		b.log.Info().
			Str("session_id", sessionID).
			Uint("user_id", userID).
			Int("count", len(pending)).
			Msg("Replayed pending badge notifications")
	}
}

// QuestionRoom returns the room that follows a question thread.
func QuestionRoom(questionID uint) string {
	return fmt.Sprintf("question:%d", questionID)
}

// ErrInvalidEvent is returned for activity events missing required identifiers.
var ErrInvalidEvent = errors.New("invalid event")

// AnswerAdopted announces an adoption to the question's room, notifies the adoptee in
// their own rooms and re-evaluates the adoptee's badges.
func (b *Bridge) AnswerAdopted(ctx context.Context, p realtime.AnswerAdoptedPayload) ([]badges.AwardResult, error) {
	if p.QuestionID == 0 || p.AnswerID == 0 || p.AdopteeID == 0 {
		return nil, fmt.Errorf("%w: answer, question and adoptee are required", ErrInvalidEvent)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	b.dispatcher.Enqueue(QuestionRoom(p.QuestionID), realtime.Event{
		Type:    realtime.EventAnswerAdopted,
		Payload: p,
	})

	targeted := realtime.Event{
		Type:         realtime.EventAnswerAdopted,
		Notify:       true,
		TargetUserID: p.AdopteeID,
		Payload:      p,
	}
	for _, room := range b.registry.RoomsForUser(p.AdopteeID) {
		b.dispatcher.EnqueueUrgent(ctx, room, targeted)
	}

	if b.badges == nil {
		return nil, nil
	}
	granted, err := b.badges.CheckAndAward(ctx, p.AdopteeID)
	if err != nil {
		return granted, fmt.Errorf("failed to check badges after adoption: %w", err)
	}
	return granted, nil
}

// ReactionUpdated refreshes reaction counters for everyone viewing the question.
func (b *Bridge) ReactionUpdated(_ context.Context, p realtime.ReactionUpdatedPayload) error {
	if p.QuestionID == 0 || p.AnswerID == 0 {
		return fmt.Errorf("%w: answer and question are required", ErrInvalidEvent)
	}
	if p.LikeCount < 0 || p.DislikeCount < 0 {
		return fmt.Errorf("%w: reaction counts must not be negative", ErrInvalidEvent)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	b.dispatcher.Enqueue(QuestionRoom(p.QuestionID), realtime.Event{
		Type:    realtime.EventReactionUpdated,
		Payload: p,
	})
	return nil
}
