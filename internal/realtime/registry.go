package realtime

import (
	"sort"
	"sync"
	"time"
)

// Sender hands an event to a connection. It must not block; false means the frame was dropped.
type Sender interface {
	Send(evt Event) bool
}

// Session is a snapshot of one live connection.
type Session struct {
	ID             string    `json:"sessionId"`
	UserID         uint      `json:"userId,omitempty"`
	Room           string    `json:"room"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitempty"`
	MessageCount   int64     `json:"messageCount"`
	Active         bool      `json:"active"`
}

// Recipient is an active session selected for delivery.
type Recipient struct {
	SessionID string
	UserID    uint
	Sender    Sender
}

// RegistryStats are point-in-time registry counters.
type RegistryStats struct {
	TotalSessions  int   `json:"totalSessions"`
	ActiveSessions int   `json:"activeSessions"`
	ActiveUsers    int   `json:"activeUsers"`
	Rooms          int   `json:"rooms"`
	Messages       int64 `json:"messages"`
}

type entry struct {
	Session
	sender Sender
}

type set map[string]struct{}

// Registry owns all session state. Operations on unknown session IDs are no-ops.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*entry
	roomMembers map[string]set
	defaultRoom string
	messages    int64
	now         func() time.Time
}

// NewRegistry creates an empty registry. Sessions start in defaultRoom.
func NewRegistry(defaultRoom string) *Registry {
	if defaultRoom == "" {
		defaultRoom = "lobby"
	}
	return &Registry{
		sessions:    make(map[string]*entry),
		roomMembers: make(map[string]set),
		defaultRoom: defaultRoom,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// DefaultRoom returns the room new sessions join.
func (r *Registry) DefaultRoom() string {
	return r.defaultRoom
}

// Register adds a session in the default room. Registering an ID that is still retained
// reactivates it and keeps its room.
func (r *Registry) Register(sessionID string, userID uint, sender Sender) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.sessions[sessionID]; ok {
		e.Active = true
		e.DisconnectedAt = time.Time{}
		e.LastActivityAt = now
		e.sender = sender
		if userID != 0 {
			e.UserID = userID
		}
		return e.Session
	}

	e := &entry{
		Session: Session{
			ID:             sessionID,
			UserID:         userID,
			Room:           r.defaultRoom,
			ConnectedAt:    now,
			LastActivityAt: now,
			Active:         true,
		},
		sender: sender,
	}
	r.sessions[sessionID] = e
	r.addMember(e.Room, sessionID)
	return e.Session
}

// Authenticate binds a user to a session.
func (r *Registry) Authenticate(sessionID string, userID uint) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || userID == 0 {
		return Session{}, false
	}
	e.UserID = userID
	e.LastActivityAt = r.now()
	return e.Session, true
}

// Join moves a session into room, leaving its previous room. It returns the previous room.
func (r *Registry) Join(sessionID, room string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || room == "" {
		return "", false
	}
	prev := e.Room
	if prev != room {
		r.removeMember(prev, sessionID)
		r.addMember(room, sessionID)
		e.Room = room
	}
	e.LastActivityAt = r.now()
	return prev, true
}

// Leave sends the session back to the default room if it is currently in room.
func (r *Registry) Leave(sessionID, room string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || e.Room != room || room == r.defaultRoom {
		return Session{}, false
	}
	r.removeMember(room, sessionID)
	r.addMember(r.defaultRoom, sessionID)
	e.Room = r.defaultRoom
	e.LastActivityAt = r.now()
	return e.Session, true
}

// Touch bumps the session's last activity.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	e.LastActivityAt = r.now()
	return true
}

// RecordMessage counts an inbound chat message and bumps activity.
func (r *Registry) RecordMessage(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	e.MessageCount++
	e.LastActivityAt = r.now()
	r.messages++
	return true
}

// MarkInactive flags a disconnected session. It stays registered until swept.
func (r *Registry) MarkInactive(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	if e.Active {
		e.Active = false
		e.DisconnectedAt = r.now()
		e.sender = nil
	}
	return e.Session, true
}

// Remove deletes a session immediately.
func (r *Registry) Remove(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	r.drop(e)
	return e.Session, true
}

// Get returns a copy of a session.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// Recipients returns the active sessions in room, limited to targetUser when it is non-zero.
func (r *Registry) Recipients(room string, targetUser uint) []Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.roomMembers[room]
	if !ok {
		return nil
	}
	recipients := make([]Recipient, 0, len(members))
	for id := range members {
		e, exists := r.sessions[id]
		if !exists || !e.Active || e.sender == nil || e.Room != room {
			continue
		}
		if targetUser != 0 && e.UserID != targetUser {
			continue
		}
		recipients = append(recipients, Recipient{SessionID: id, UserID: e.UserID, Sender: e.sender})
	}
	return recipients
}

// RoomsForUser returns the sorted rooms where the user has an active session.
func (r *Registry) RoomsForUser(userID uint) []string {
	if userID == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range r.sessions {
		if e.Active && e.UserID == userID {
			seen[e.Room] = struct{}{}
		}
	}
	rooms := make([]string, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Sweep removes sessions idle for longer than staleAfter and disconnected sessions
// whose grace window has elapsed. It returns the removed sessions.
func (r *Registry) Sweep(now time.Time, staleAfter, grace time.Duration) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Session
	for _, e := range r.sessions {
		stale := now.Sub(e.LastActivityAt) > staleAfter
		expired := !e.Active && now.Sub(e.DisconnectedAt) >= grace
		if stale || expired {
			r.drop(e)
			removed = append(removed, e.Session)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

// Stats returns the current counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		TotalSessions: len(r.sessions),
		Rooms:         len(r.roomMembers),
		Messages:      r.messages,
	}
	users := make(map[uint]struct{})
	for _, e := range r.sessions {
		if !e.Active {
			continue
		}
		stats.ActiveSessions++
		if e.UserID != 0 {
			users[e.UserID] = struct{}{}
		}
	}
	stats.ActiveUsers = len(users)
	return stats
}

func (r *Registry) drop(e *entry) {
	delete(r.sessions, e.ID)
	r.removeMember(e.Room, e.ID)
	e.sender = nil
}

func (r *Registry) addMember(room, sessionID string) {
	members, ok := r.roomMembers[room]
	if !ok {
		members = make(set)
		r.roomMembers[room] = members
	}
	members[sessionID] = struct{}{}
}

func (r *Registry) removeMember(room, sessionID string) {
	if members, ok := r.roomMembers[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.roomMembers, room)
		}
	}
}
