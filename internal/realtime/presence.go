package realtime

import (
	"context"
	"time"

	"campaignsync/internal/apperr"
	"campaignsync/internal/protocol"
)

// DefaultTypingTTL is how long a typing indicator lasts without renewal.
const DefaultTypingTTL = 6 * time.Second

// PresenceMirror publishes presence changes outside the process. Update
// must not block.
type PresenceMirror interface {
	Update(key RoomKey, userID string, online bool)
}

// PresenceRecord is the derived presence of one user in one room.
type PresenceRecord struct {
	Room         RoomKey
	UserID       string
	DisplayName  string
	Role         Role
	Online       bool
	Typing       bool
	LastActivity time.Time
}

// Presence derives online and typing state from room membership.
type Presence struct {
	manager  *Manager
	dispatch *Dispatcher
	mirror   PresenceMirror
	ttl      time.Duration
	now      func() time.Time
}

func newPresence(manager *Manager, dispatch *Dispatcher, mirror PresenceMirror, ttl time.Duration, now func() time.Time) *Presence {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Presence{manager: manager, dispatch: dispatch, mirror: mirror, ttl: ttl, now: now}
}

// OnlineUsers returns the ids of users with at least one connection in key.
func (p *Presence) OnlineUsers(key RoomKey) []string {
	room, ok := p.manager.lookup(key)
	if !ok {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	users := room.presenceLocked()
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.UserID
	}
	return ids
}

// IsOnline reports whether userID has a connection in key.
func (p *Presence) IsOnline(userID string, key RoomKey) bool {
	room, ok := p.manager.lookup(key)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.userOnlineLocked(userID)
}

// Records returns full presence records for key.
func (p *Presence) Records(key RoomKey) []PresenceRecord {
	room, ok := p.manager.lookup(key)
	if !ok {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	users := room.presenceLocked()
	out := make([]PresenceRecord, len(users))
	for i, u := range users {
		out[i] = PresenceRecord{
			Room:         key,
			UserID:       u.UserID,
			DisplayName:  u.DisplayName,
			Role:         Role(u.Role),
			Online:       true,
			Typing:       u.Typing,
			LastActivity: room.activity[u.UserID],
		}
	}
	return out
}

// SetTyping marks userID as typing in key until expires. Renewing before
// expiry extends the indicator without another broadcast.
func (p *Presence) SetTyping(ctx context.Context, key RoomKey, userID string, expires time.Time) error {
	room, ok := p.manager.lookup(key)
	if !ok {
		return apperr.New(apperr.CodeNotFound, "room not found")
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.userOnlineLocked(userID) {
		return apperr.New(apperr.CodeForbidden, "not a member of "+key.String())
	}
	room.activity[userID] = p.now()

	wait := expires.Sub(p.now())
	if wait <= 0 {
		wait = p.ttl
	}
	if st, ok := room.typing[userID]; ok {
		st.timer.Stop()
		st.expires = expires
		st.timer = p.typingTimer(room, userID, st, wait)
		return nil
	}
	st := &typingState{expires: expires}
	st.timer = p.typingTimer(room, userID, st, wait)
	room.typing[userID] = st
	p.dispatch.ephemeralLocked(ctx, room, typingFrame(room, userID, true), ExceptUser(userID))
	return nil
}

func (p *Presence) typingTimer(room *Room, userID string, st *typingState, wait time.Duration) *time.Timer {
	return time.AfterFunc(wait, func() {
		room.mu.Lock()
		defer room.mu.Unlock()
		if room.typing[userID] != st {
			return
		}
		delete(room.typing, userID)
		p.dispatch.ephemeralLocked(context.Background(), room, typingFrame(room, userID, false), ExceptUser(userID))
	})
}

// clearTypingLocked stops the indicator of a user leaving the room.
func (p *Presence) clearTypingLocked(ctx context.Context, room *Room, userID string) {
	st, ok := room.typing[userID]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(room.typing, userID)
	p.dispatch.ephemeralLocked(ctx, room, typingFrame(room, userID, false), ExceptUser(userID))
}

// joinedLocked announces a user that just came online in room.
func (p *Presence) joinedLocked(ctx context.Context, room *Room, conn *Connection, role Role) {
	id := conn.Identity
	p.dispatch.ephemeralLocked(ctx, room, presenceFrame(protocol.TypePresenceJoin, room, id, role), ExceptUser(id.UserID))
	if p.mirror != nil {
		p.mirror.Update(room.key, id.UserID, true)
	}
}

// leftLocked announces a user whose last connection left room.
func (p *Presence) leftLocked(ctx context.Context, room *Room, conn *Connection, role Role) {
	id := conn.Identity
	p.clearTypingLocked(ctx, room, id.UserID)
	delete(room.activity, id.UserID)
	p.dispatch.ephemeralLocked(ctx, room, presenceFrame(protocol.TypePresenceLeave, room, id, role), ExceptUser(id.UserID))
	if p.mirror != nil {
		p.mirror.Update(room.key, id.UserID, false)
	}
}

// touchLocked records activity for a member.
func (p *Presence) touchLocked(room *Room, userID string) {
	if room.userOnlineLocked(userID) {
		room.activity[userID] = p.now()
	}
}

func presenceFrame(frameType string, room *Room, id Identity, role Role) protocol.Frame {
	frame, _ := protocol.NewFrame(frameType, "", protocol.PresencePayload{
		Room: room.key.String(),
		PresenceUser: protocol.PresenceUser{
			UserID:      id.UserID,
			DisplayName: id.DisplayName,
			Role:        string(role),
		},
	})
	return frame
}

func typingFrame(room *Room, userID string, typing bool) protocol.Frame {
	frame, _ := protocol.NewFrame(protocol.TypeTypingChanged, "", protocol.TypingPayload{
		Room:   room.key.String(),
		UserID: userID,
		Typing: typing,
	})
	return frame
}
