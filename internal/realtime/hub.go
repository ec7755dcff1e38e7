// Package realtime keeps connected clients of a campaign in sync: it tracks
// connections and room membership, derives presence, sequences and fans out
// room events, runs the combat turn machine and replays missed events to
// reconnecting clients.
//
// Each room is a serialization point. Everything that must be ordered
// relative to a room's events (sequence assignment, log append, enqueue to
// members, membership changes, reconnect replay) happens while holding that
// room's lock, and nothing else ever holds two room locks at once.
package realtime

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"campaignsync/internal/apperr"
	"campaignsync/internal/dice"
	"campaignsync/internal/protocol"
)

// DefaultHeartbeatTimeout is how long a silent connection survives.
const DefaultHeartbeatTimeout = 30 * time.Second

// Config tunes the hub.
type Config struct {
	SendQueueSize    int
	LogCapacity      int
	LogMaxAge        time.Duration
	HeartbeatTimeout time.Duration
	TypingTTL        time.Duration
	Now              func() time.Time
}

// Deps are the hub's external collaborators. Every field is optional.
type Deps struct {
	Permissions Permissions
	Loader      RoomLoader
	Persister   Persister
	Mirror      PresenceMirror
	Roller      *dice.Roller
	Logger      *slog.Logger
}

// Hub wires the registry, rooms, presence and dispatcher together and
// implements every inbound operation.
type Hub struct {
	cfg       Config
	registry  *Registry
	rooms     *Manager
	presence  *Presence
	dispatch  *Dispatcher
	persister Persister
	roller    *dice.Roller
	logger    *slog.Logger
	ins       *instruments
}

// NewHub builds a hub.
func NewHub(cfg Config, deps Deps) *Hub {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	persister := deps.Persister
	if persister == nil {
		persister = nopPersister{}
	}
	roller := deps.Roller
	if roller == nil {
		roller = dice.NewRoller()
	}
	ins := newInstruments()
	rooms := NewManager(ManagerConfig{
		LogCapacity: cfg.LogCapacity,
		LogMaxAge:   cfg.LogMaxAge,
		Now:         cfg.Now,
	}, deps.Permissions, deps.Loader)
	dispatch := newDispatcher(rooms, persister, cfg.Now, logger, ins)

	return &Hub{
		cfg:       cfg,
		registry:  NewRegistry(cfg.SendQueueSize, cfg.Now),
		rooms:     rooms,
		presence:  newPresence(rooms, dispatch, deps.Mirror, cfg.TypingTTL, cfg.Now),
		dispatch:  dispatch,
		persister: persister,
		roller:    roller,
		logger:    logger,
		ins:       ins,
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Rooms() *Manager { return h.rooms }

func (h *Hub) Presence() *Presence { return h.presence }

func (h *Hub) Dispatcher() *Dispatcher { return h.dispatch }

// HeartbeatTimeout is the configured liveness window.
func (h *Hub) HeartbeatTimeout() time.Duration { return h.cfg.HeartbeatTimeout }

// Connect registers a connection for a verified identity.
func (h *Hub) Connect(identity Identity) (*Connection, error) {
	conn, err := h.registry.Register(identity, func(c *Connection, reason DropReason) {
		h.Disconnect(context.Background(), c, reason)
	})
	if err != nil {
		return nil, err
	}
	h.ins.connections.Add(context.Background(), 1)
	h.logger.Info("connection registered", "conn", conn.ID, "user", identity.UserID, "role", string(conn.Identity.Role))
	return conn, nil
}

// Disconnect removes conn from the registry and every room it joined. It is
// safe to call more than once.
func (h *Hub) Disconnect(ctx context.Context, conn *Connection, reason DropReason) {
	_, registered := h.registry.Unregister(conn.ID)
	// Closed before the room walk so a concurrent Join cannot add a room
	// after the snapshot.
	conn.close(reason)
	for _, key := range conn.Rooms() {
		h.leave(ctx, conn, key)
	}
	if !registered {
		return
	}
	h.ins.connections.Add(ctx, -1)
	if reason != DropClosed {
		h.ins.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
	h.logger.Info("connection removed", "conn", conn.ID, "user", conn.Identity.UserID, "reason", string(reason))
}

// Heartbeat refreshes the connection and the user's activity in its rooms.
func (h *Hub) Heartbeat(conn *Connection) {
	h.registry.Touch(conn.ID)
	for _, key := range conn.Rooms() {
		if room, ok := h.rooms.lookup(key); ok {
			room.mu.Lock()
			h.presence.touchLocked(room, conn.Identity.UserID)
			room.mu.Unlock()
		}
	}
}

// Join adds conn to key and answers with a joined frame. With lastSeen set,
// the events the client missed follow in the same critical section, so no
// live event can overtake or duplicate them.
func (h *Hub) Join(ctx context.Context, conn *Connection, requestID string, key RoomKey, lastSeen *uint64) error {
	ctx, span := h.ins.tracer.Start(ctx, "realtime.join", trace.WithAttributes(roomAttr(key)))
	defer span.End()

	return h.rooms.Join(ctx, key, conn, func(room *Room, res JoinResult) {
		if res.FirstForUser {
			h.presence.joinedLocked(ctx, room, conn, res.Role)
		}

		var replay *protocol.Frame
		fullState := true
		if lastSeen != nil {
			replay = h.replayLocked(ctx, room, conn, res.Role, *lastSeen)
			fullState = replay != nil && replay.Type == protocol.TypeResyncFullRequired
		}

		joined := protocol.JoinedPayload{
			Room:           key.String(),
			LatestSequence: room.sequence,
			Online:         room.presenceLocked(),
		}
		if fullState {
			joined.State = room.stateLocked()
		}
		frame, err := protocol.NewFrame(protocol.TypeJoined, requestID, joined)
		if err != nil {
			h.logger.Error("encode joined", "room", key.String(), "error", err)
			return
		}
		frame.Room = key.String()
		conn.enqueue(frame)
		if replay != nil {
			conn.enqueue(*replay)
		}
		if !res.Already {
			h.logger.Debug("room joined", "room", key.String(), "conn", conn.ID, "user", conn.Identity.UserID)
		}
	})
}

// replayLocked builds the frame answering a reconnect from lastSeen, or nil
// when the client is current.
func (h *Hub) replayLocked(ctx context.Context, room *Room, conn *Connection, role Role, lastSeen uint64) *protocol.Frame {
	latest := room.sequence
	events, err := room.log.Since(lastSeen, latest)
	if err != nil {
		h.ins.resyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "full")))
		h.logger.Info("full resync required", "room", room.key.String(), "conn", conn.ID, "last_seen", lastSeen, "seq", latest)
		frame, _ := protocol.NewFrame(protocol.TypeResyncFullRequired, "", protocol.ResyncFullRequiredPayload{
			Room:           room.key.String(),
			LatestSequence: latest,
			Reason:         apperr.MessageOf(err),
		})
		frame.Room = room.key.String()
		return &frame
	}
	if len(events) == 0 {
		h.ins.resyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "current")))
		return nil
	}
	h.ins.resyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "gap")))
	frame, _ := protocol.NewFrame(protocol.TypeResyncGap, "", protocol.ResyncGapPayload{
		Room:           room.key.String(),
		FromSequence:   lastSeen,
		LatestSequence: latest,
		Events:         visibleTo(events, conn.Identity.UserID, role),
	})
	frame.Room = room.key.String()
	return &frame
}

// Leave removes conn from key and confirms with a left frame. Leaving a
// room that was not joined is confirmed too.
func (h *Hub) Leave(ctx context.Context, conn *Connection, requestID string, key RoomKey) {
	h.leave(ctx, conn, key)
	frame, _ := protocol.NewFrame(protocol.TypeLeft, requestID, protocol.LeftPayload{Room: key.String()})
	frame.Room = key.String()
	conn.enqueue(frame)
}

func (h *Hub) leave(ctx context.Context, conn *Connection, key RoomKey) {
	role, _ := conn.RoleIn(key)
	h.rooms.Leave(key, conn, func(room *Room, last bool) {
		if last {
			h.presence.leftLocked(ctx, room, conn, role)
		}
	})
}

// Typing marks the sender as typing in key for the configured TTL.
func (h *Hub) Typing(ctx context.Context, conn *Connection, key RoomKey) error {
	if _, ok := conn.RoleIn(key); !ok {
		return apperr.New(apperr.CodeForbidden, "join "+key.String()+" first")
	}
	return h.presence.SetTyping(ctx, key, conn.Identity.UserID, h.cfg.Now().Add(h.cfg.TypingTTL))
}

// Run sweeps connections whose heartbeat expired until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.cfg.HeartbeatTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep disconnects every connection silent for longer than the heartbeat
// timeout and returns how many were removed.
func (h *Hub) Sweep(ctx context.Context) int {
	stale := h.registry.Stale(h.cfg.Now(), h.cfg.HeartbeatTimeout)
	for _, conn := range stale {
		h.Disconnect(ctx, conn, DropHeartbeat)
	}
	return len(stale)
}

// Shutdown disconnects every connection.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, conn := range h.registry.All() {
		h.Disconnect(ctx, conn, DropShutdown)
	}
}

// Reject answers a failed request with an error frame to the caller only.
func (h *Hub) Reject(ctx context.Context, conn *Connection, requestID, msgType string, err error) {
	code := apperr.CodeOf(err)
	h.ins.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", string(code)),
		attribute.String("message.type", msgType),
	))
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
	}
	level := slog.LevelDebug
	if code.Class() == apperr.ClassInternal || code.Class() == apperr.ClassTransport {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "request rejected", "conn", conn.ID, "user", conn.Identity.UserID, "type", msgType, "code", string(code), "error", err)
	conn.enqueue(protocol.ErrorFrame(requestID, err))
}

// Events returns the logged events of key after since, filtered for the
// caller, together with the room's latest sequence.
func (h *Hub) Events(ctx context.Context, identity Identity, key RoomKey, since uint64) ([]protocol.Frame, uint64, error) {
	role, err := h.rooms.RoleIn(ctx, identity, key)
	if err != nil {
		return nil, 0, err
	}
	room, err := h.rooms.Existing(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	events, err := room.log.Since(since, room.sequence)
	if err != nil {
		return nil, room.sequence, err
	}
	return visibleTo(events, identity.UserID, role), room.sequence, nil
}

// PresenceOf returns presence records of key for a permitted caller.
func (h *Hub) PresenceOf(ctx context.Context, identity Identity, key RoomKey) ([]PresenceRecord, error) {
	if _, err := h.rooms.RoleIn(ctx, identity, key); err != nil {
		return nil, err
	}
	if _, ok := h.rooms.lookup(key); !ok {
		return nil, apperr.New(apperr.CodeNotFound, key.String()+" not found")
	}
	return h.presence.Records(key), nil
}
