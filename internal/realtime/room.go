package realtime

import (
	"sort"
	"sync"
	"time"

	"campaignsync/internal/combat"
	"campaignsync/internal/protocol"
)

type member struct {
	conn *Connection
	role Role
}

type typingState struct {
	timer   *time.Timer
	expires time.Time
}

// Room is the unit of ordering: every sequenced publish, membership change
// and replay for a room runs while holding mu.
type Room struct {
	key RoomKey

	mu       sync.Mutex
	loaded   bool
	archived bool
	sequence uint64
	members  map[string]member
	log      *SyncLog

	encounter combat.State
	cards     *CardQueue

	typing   map[string]*typingState
	activity map[string]time.Time
}

func newRoom(key RoomKey, log *SyncLog) *Room {
	return &Room{
		key:       key,
		members:   make(map[string]member),
		log:       log,
		encounter: combat.NewState(),
		cards:     newCardQueue(nil, ""),
		typing:    make(map[string]*typingState),
		activity:  make(map[string]time.Time),
	}
}

// Key returns the room key.
func (r *Room) Key() RoomKey { return r.key }

// LatestSequence returns the last assigned sequence.
func (r *Room) LatestSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequence
}

// Archived reports whether the session room was ended.
func (r *Room) Archived() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.archived
}

// Encounter returns a copy of the room's combat state.
func (r *Room) Encounter() combat.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encounter.Clone()
}

func (r *Room) nextSequenceLocked() uint64 {
	r.sequence++
	return r.sequence
}

func (r *Room) userOnlineLocked(userID string) bool {
	for _, m := range r.members {
		if m.conn.Identity.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Room) sortedMembersLocked() []member {
	out := make([]member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].conn.ID < out[j].conn.ID })
	return out
}

// presenceLocked returns one record per online user, sorted by user id.
func (r *Room) presenceLocked() []protocol.PresenceUser {
	byUser := make(map[string]protocol.PresenceUser)
	for _, m := range r.members {
		id := m.conn.Identity
		if _, seen := byUser[id.UserID]; seen {
			continue
		}
		rec := protocol.PresenceUser{
			UserID:      id.UserID,
			DisplayName: id.DisplayName,
			Role:        string(m.role),
		}
		if _, typing := r.typing[id.UserID]; typing {
			rec.Typing = true
		}
		if at, ok := r.activity[id.UserID]; ok {
			rec.LastActivity = at.UTC().Format(time.RFC3339)
		}
		byUser[id.UserID] = rec
	}
	out := make([]protocol.PresenceUser, 0, len(byUser))
	for _, rec := range byUser {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// sessionState is the snapshot sent with joined for session rooms.
type sessionState struct {
	Encounter   *combat.State `json:"encounter,omitempty"`
	CurrentCard *Card         `json:"current_card,omitempty"`
}

func (r *Room) stateLocked() any {
	if r.key.Scope != ScopeSession {
		return nil
	}
	st := sessionState{}
	if r.encounter.Status != combat.StatusNotStarted {
		enc := r.encounter.Clone()
		st.Encounter = &enc
	}
	if card, ok := r.cards.Current(); ok {
		st.CurrentCard = &card
	}
	if st.Encounter == nil && st.CurrentCard == nil {
		return nil
	}
	return st
}

func (r *Room) stopTypingLocked() {
	for userID, st := range r.typing {
		st.timer.Stop()
		delete(r.typing, userID)
	}
}
