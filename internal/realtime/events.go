// Package realtime tracks live websocket sessions, groups them into rooms and
// delivers queued outbound events per room.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType names an outbound event.
type EventType string

// Outbound event types.
const (
	EventAnswerAdopted   EventType = "answer_adopted"
	EventReactionUpdated EventType = "answer_reaction_updated"
	EventBadgeAwarded    EventType = "badge_awarded"
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventMetrics         EventType = "metrics"
	EventMessage         EventType = "message"
	EventTyping          EventType = "typing"
	EventError           EventType = "error"
)

// Event is a frame sent to clients.
type Event struct {
	Type      EventType `json:"type"`
	Room      string    `json:"room"`
	Payload   any       `json:"payload,omitempty"`
	Notify    bool      `json:"notify"`
	Timestamp time.Time `json:"timestamp"`

	// TargetUserID restricts delivery to one user's sessions. Zero means everyone in the room.
	TargetUserID uint `json:"-"`
}

// AnswerAdoptedPayload is the body of answer_adopted.
type AnswerAdoptedPayload struct {
	AnswerID   uint      `json:"answerId"`
	AdopterID  uint      `json:"adopterId"`
	AdopteeID  uint      `json:"adopteeId"`
	QuestionID uint      `json:"questionId"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReactionUpdatedPayload is the body of answer_reaction_updated.
type ReactionUpdatedPayload struct {
	AnswerID     uint      `json:"answerId"`
	QuestionID   uint      `json:"questionId,omitempty"`
	LikeCount    int       `json:"likeCount"`
	DislikeCount int       `json:"dislikeCount"`
	Timestamp    time.Time `json:"timestamp"`
}

// BadgeAwardedPayload is the body of badge_awarded.
type BadgeAwardedPayload struct {
	UserID    uint      `json:"userId"`
	BadgeID   uint      `json:"badgeId"`
	BadgeName string    `json:"badgeName"`
	BadgeCode string    `json:"badgeCode,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PresencePayload is the body of user_joined and user_left.
type PresencePayload struct {
	UserID    uint   `json:"userId"`
	SessionID string `json:"sessionId"`
}

// MessagePayload is a relayed chat message.
type MessagePayload struct {
	UserID    uint            `json:"userId"`
	SessionID string          `json:"sessionId"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// TypingPayload is a relayed typing indicator.
type TypingPayload struct {
	UserID    uint   `json:"userId"`
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// Inbound is a decoded client frame: one of JoinRoom, LeaveRoom, Message, Typing or Disconnect.
type Inbound interface {
	inboundType() string
}

// JoinRoom moves the session into Room.
type JoinRoom struct {
	Room   string `json:"room"`
	UserID uint   `json:"userId,omitempty"`
}

// LeaveRoom moves the session back to the default room.
type LeaveRoom struct {
	Room   string `json:"room"`
	UserID uint   `json:"userId,omitempty"`
}

// Message is a chat payload for the session's room.
type Message struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Typing is a typing indicator for the session's room.
type Typing struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

// Disconnect is an explicit close requested by the client.
type Disconnect struct{}

func (JoinRoom) inboundType() string   { return "join_room" }
func (LeaveRoom) inboundType() string  { return "leave_room" }
func (Message) inboundType() string    { return "message" }
func (Typing) inboundType() string     { return "typing" }
func (Disconnect) inboundType() string { return "disconnect" }

// ErrMalformedFrame is returned for frames that cannot be decoded into an Inbound value.
var ErrMalformedFrame = errors.New("malformed frame")

// ParseInbound decodes one client frame.
func ParseInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		in  Inbound
		err error
	)
	switch envelope.Type {
	case "join_room":
		var m JoinRoom
		err = json.Unmarshal(data, &m)
		if err == nil && m.Room == "" {
			err = errors.New("room is required")
		}
		in = m
	case "leave_room":
		var m LeaveRoom
		err = json.Unmarshal(data, &m)
		in = m
	case "message":
		var m Message
		err = json.Unmarshal(data, &m)
		in = m
	case "typing":
		var m Typing
		err = json.Unmarshal(data, &m)
		in = m
	case "disconnect":
		in = Disconnect{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, envelope.Type, err)
	}
	return in, nil
}
