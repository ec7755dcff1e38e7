package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/protocol"
)

// Persister receives accepted state asynchronously. Implementations must
// not block; failures are theirs to retry and report.
type Persister interface {
	PersistEvent(evt SyncEvent)
	PersistEncounter(key RoomKey, state combat.State)
	ArchiveSession(sessionID string)
}

type nopPersister struct{}

func (nopPersister) PersistEvent(SyncEvent)                 {}
func (nopPersister) PersistEncounter(RoomKey, combat.State) {}
func (nopPersister) ArchiveSession(string)                  {}

// Draft is an event before it is sequenced.
type Draft struct {
	Type        string
	Payload     any
	ActorUserID string
	Visibility  Visibility
}

// Dispatcher sequences, logs and fans out events to room members.
type Dispatcher struct {
	manager   *Manager
	persister Persister
	now       func() time.Time
	logger    *slog.Logger
	ins       *instruments
}

func newDispatcher(manager *Manager, persister Persister, now func() time.Time, logger *slog.Logger, ins *instruments) *Dispatcher {
	if persister == nil {
		persister = nopPersister{}
	}
	return &Dispatcher{manager: manager, persister: persister, now: now, logger: logger, ins: ins}
}

// Publish sequences draft in key and delivers it to every member the
// visibility allows.
func (d *Dispatcher) Publish(ctx context.Context, key RoomKey, draft Draft) (SyncEvent, error) {
	room, err := d.manager.Room(ctx, key)
	if err != nil {
		return SyncEvent{}, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.archived {
		return SyncEvent{}, apperr.New(apperr.CodeSessionArchived, "session has ended")
	}
	return d.publishLocked(ctx, room, draft)
}

// publishLocked assigns the next sequence, appends to the log, enqueues to
// members and hands the event to persistence, all under the room lock.
func (d *Dispatcher) publishLocked(ctx context.Context, room *Room, draft Draft) (SyncEvent, error) {
	payload, err := json.Marshal(draft.Payload)
	if err != nil {
		return SyncEvent{}, fmt.Errorf("marshal %s: %w", draft.Type, err)
	}
	if draft.Visibility.Kind == "" {
		draft.Visibility = Everyone()
	}
	evt := SyncEvent{
		ID:          uuid.NewString(),
		Room:        room.key,
		Sequence:    room.nextSequenceLocked(),
		Type:        draft.Type,
		Payload:     payload,
		ActorUserID: draft.ActorUserID,
		At:          d.now().UTC(),
		Visibility:  draft.Visibility,
	}
	room.log.append(evt)
	d.fanoutLocked(room, evt.Frame(), evt.Visibility)
	d.persister.PersistEvent(evt)

	d.ins.published.Add(ctx, 1, metric.WithAttributes(roomAttr(room.key), attribute.String("event.type", evt.Type)))
	d.logger.Debug("event published", "room", room.key.String(), "seq", evt.Sequence, "type", evt.Type)
	return evt, nil
}

// PublishEphemeral delivers frame in room order without a sequence and
// without logging it.
func (d *Dispatcher) PublishEphemeral(ctx context.Context, key RoomKey, frame protocol.Frame, vis Visibility) {
	room, ok := d.manager.lookup(key)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	d.ephemeralLocked(ctx, room, frame, vis)
}

func (d *Dispatcher) ephemeralLocked(ctx context.Context, room *Room, frame protocol.Frame, vis Visibility) {
	frame.Room = room.key.String()
	d.fanoutLocked(room, frame, vis)
	d.ins.ephemeral.Add(ctx, 1, metric.WithAttributes(roomAttr(room.key), attribute.String("event.type", frame.Type)))
}

func (d *Dispatcher) fanoutLocked(room *Room, frame protocol.Frame, vis Visibility) {
	for _, m := range room.members {
		if !vis.Allows(m.conn.Identity.UserID, m.role) {
			continue
		}
		m.conn.enqueue(frame)
	}
}

// SendTo enqueues a frame for a single connection.
func (d *Dispatcher) SendTo(conn *Connection, frame protocol.Frame) bool {
	return conn.enqueue(frame)
}

// visibleTo filters logged events for a member.
func visibleTo(events []SyncEvent, userID string, role Role) []protocol.Frame {
	frames := make([]protocol.Frame, 0, len(events))
	for _, evt := range events {
		if evt.Visibility.Allows(userID, role) {
			frames = append(frames, evt.Frame())
		}
	}
	return frames
}
