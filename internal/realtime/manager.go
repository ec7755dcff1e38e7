package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
)

// RoomSnapshot is what persistence knows about a room when it is first
// touched after a restart.
type RoomSnapshot struct {
	LatestSequence uint64
	// Events is the most recent tail of the room's events, any order.
	Events []SyncEvent
	// EncounterEvents are the combat events of the latest encounter,
	// starting at its combat_started.
	EncounterEvents []SyncEvent
	Cards           []Card
	CurrentCardID   string
	Archived        bool
}

// RoomLoader restores rooms from persistence.
type RoomLoader interface {
	LoadRoom(ctx context.Context, key RoomKey, tail int) (RoomSnapshot, error)
}

// ManagerConfig bounds the per-room sync log.
type ManagerConfig struct {
	LogCapacity int
	LogMaxAge   time.Duration
	Now         func() time.Time
}

// JoinResult describes a membership change.
type JoinResult struct {
	Role Role
	// Already is true when the connection was a member before the call.
	Already bool
	// FirstForUser is true when no other connection of the user was in the
	// room, so the user just came online there.
	FirstForUser bool
}

// Manager owns the room table. Its own lock only guards lookups; all room
// state is guarded by the room.
type Manager struct {
	mu          sync.Mutex
	rooms       map[RoomKey]*Room
	cfg         ManagerConfig
	permissions Permissions
	loader      RoomLoader
}

// NewManager creates a manager. permissions and loader may be nil.
func NewManager(cfg ManagerConfig, permissions Permissions, loader RoomLoader) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = DefaultLogCapacity
	}
	if cfg.LogMaxAge <= 0 {
		cfg.LogMaxAge = DefaultLogMaxAge
	}
	if permissions == nil {
		permissions = TokenRoles{}
	}
	return &Manager{
		rooms:       make(map[RoomKey]*Room),
		cfg:         cfg,
		permissions: permissions,
		loader:      loader,
	}
}

// Room returns the room for key, creating and restoring it on first use.
// The returned room is loaded.
func (m *Manager) Room(ctx context.Context, key RoomKey) (*Room, error) {
	m.mu.Lock()
	room, ok := m.rooms[key]
	if !ok {
		room = newRoom(key, NewSyncLog(m.cfg.LogCapacity, m.cfg.LogMaxAge, m.cfg.Now))
		m.rooms[key] = room
	}
	m.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	if err := m.ensureLoadedLocked(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// Existing returns key's room without creating an empty one. A room not in
// memory is restored only when a loader backs the manager; otherwise the
// room never saw activity and NOT_FOUND is returned.
func (m *Manager) Existing(ctx context.Context, key RoomKey) (*Room, error) {
	room, ok := m.lookup(key)
	if !ok {
		if m.loader == nil {
			return nil, apperr.New(apperr.CodeNotFound, key.String()+" not found")
		}
		return m.Room(ctx, key)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if err := m.ensureLoadedLocked(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (m *Manager) lookup(key RoomKey) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[key]
	return room, ok
}

func (m *Manager) ensureLoadedLocked(ctx context.Context, room *Room) error {
	if room.loaded {
		return nil
	}
	if m.loader == nil {
		room.loaded = true
		return nil
	}
	snap, err := m.loader.LoadRoom(ctx, room.key, m.cfg.LogCapacity)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "room is temporarily unavailable", fmt.Errorf("load %s: %w", room.key, err))
	}
	if err := room.restoreLocked(snap); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "room state is corrupt", err)
	}
	room.loaded = true
	return nil
}

func (r *Room) restoreLocked(snap RoomSnapshot) error {
	for i := range snap.Events {
		snap.Events[i].Room = r.key
	}
	r.sequence = snap.LatestSequence
	r.log.seed(snap.Events)
	r.archived = snap.Archived

	events := make([]combat.Event, 0, len(snap.EncounterEvents))
	for _, evt := range snap.EncounterEvents {
		decoded, err := combat.DecodeEvent(evt.Type, evt.Payload)
		if err != nil {
			return fmt.Errorf("restore encounter of %s at %d: %w", r.key, evt.Sequence, err)
		}
		events = append(events, decoded)
	}
	r.encounter = combat.Replay(events)
	r.cards = newCardQueue(snap.Cards, snap.CurrentCardID)
	return nil
}

// Join authorizes conn for key and adds it. inside runs in the room's
// critical section right after the membership change, so whatever it
// enqueues is ordered before any later event of the room.
func (m *Manager) Join(ctx context.Context, key RoomKey, conn *Connection, inside func(*Room, JoinResult)) error {
	role, err := m.permissions.RoleIn(ctx, conn.Identity, key)
	if err != nil {
		return err
	}
	if _, ok := ParseRole(string(role)); !ok {
		return apperr.New(apperr.CodeForbidden, "no role in "+key.String())
	}
	room, err := m.Room(ctx, key)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.archived {
		return apperr.New(apperr.CodeSessionArchived, "session has ended")
	}
	if conn.Closed() {
		return apperr.New(apperr.CodeUnavailable, "connection closed")
	}
	res := JoinResult{Role: role}
	if existing, ok := room.members[conn.ID]; ok {
		res.Already = true
		res.Role = existing.role
	} else {
		if !conn.addRoom(key, role) {
			return apperr.New(apperr.CodeUnavailable, "connection closed")
		}
		res.FirstForUser = !room.userOnlineLocked(conn.Identity.UserID)
		room.members[conn.ID] = member{conn: conn, role: role}
	}
	room.activity[conn.Identity.UserID] = m.cfg.Now()
	if inside != nil {
		inside(room, res)
	}
	return nil
}

// Leave removes conn from key. inside runs in the room's critical section
// with lastForUser set when the user has no other connection there.
// Leaving a room the connection is not in is a no-op returning false.
func (m *Manager) Leave(key RoomKey, conn *Connection, inside func(room *Room, lastForUser bool)) bool {
	room, ok := m.lookup(key)
	if !ok {
		conn.removeRoom(key)
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if _, ok := room.members[conn.ID]; !ok {
		conn.removeRoom(key)
		return false
	}
	delete(room.members, conn.ID)
	conn.removeRoom(key)
	last := !room.userOnlineLocked(conn.Identity.UserID)
	if inside != nil {
		inside(room, last)
	}
	return true
}

// MembersOf returns the connection ids in key, sorted.
func (m *Manager) MembersOf(key RoomKey) []string {
	room, ok := m.lookup(key)
	if !ok {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	ids := make([]string, 0, len(room.members))
	for id := range room.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LatestSequence returns the last sequence assigned in key, or 0 for a room
// that was never touched.
func (m *Manager) LatestSequence(key RoomKey) uint64 {
	room, ok := m.lookup(key)
	if !ok {
		return 0
	}
	return room.LatestSequence()
}

// Keys returns every room currently held in memory.
func (m *Manager) Keys() []RoomKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]RoomKey, 0, len(m.rooms))
	for key := range m.rooms {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RoleIn checks the permission collaborator without joining.
func (m *Manager) RoleIn(ctx context.Context, identity Identity, key RoomKey) (Role, error) {
	return m.permissions.RoleIn(ctx, identity, key)
}
