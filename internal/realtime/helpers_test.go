package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"campaignsync/internal/apperr"
	"campaignsync/internal/combat"
	"campaignsync/internal/dice"
	"campaignsync/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPersister struct {
	mu         sync.Mutex
	events     []SyncEvent
	encounters []combat.State
	archived   []string
}

func (p *recordingPersister) PersistEvent(evt SyncEvent) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *recordingPersister) PersistEncounter(_ RoomKey, state combat.State) {
	p.mu.Lock()
	p.encounters = append(p.encounters, state)
	p.mu.Unlock()
}

func (p *recordingPersister) ArchiveSession(id string) {
	p.mu.Lock()
	p.archived = append(p.archived, id)
	p.mu.Unlock()
}

type stubLoader struct {
	snaps map[RoomKey]RoomSnapshot
	err   error
}

func (s stubLoader) LoadRoom(_ context.Context, key RoomKey, _ int) (RoomSnapshot, error) {
	if s.err != nil {
		return RoomSnapshot{}, s.err
	}
	return s.snaps[key], nil
}

type denyRoom struct {
	denied RoomKey
}

func (d denyRoom) RoleIn(_ context.Context, id Identity, key RoomKey) (Role, error) {
	if key == d.denied {
		return "", apperr.New(apperr.CodeForbidden, "not a member")
	}
	return id.Role, nil
}

func newTestHub(t *testing.T, cfg Config, deps Deps) *Hub {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	if deps.Roller == nil {
		deps.Roller = dice.NewSeededRoller(1)
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 512
	}
	h := NewHub(cfg, deps)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func connect(t *testing.T, h *Hub, userID string, role Role) *Connection {
	t.Helper()
	conn, err := h.Connect(Identity{UserID: userID, DisplayName: userID, Role: role})
	if err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	return conn
}

func sessionKey(id string) RoomKey { return RoomKey{Scope: ScopeSession, ID: id} }

func join(t *testing.T, h *Hub, conn *Connection, key RoomKey) {
	t.Helper()
	if err := h.Join(context.Background(), conn, "", key, nil); err != nil {
		t.Fatalf("join %s: %v", key, err)
	}
}

func send(h *Hub, conn *Connection, frameType string, msg protocol.Message) {
	h.Handle(context.Background(), conn, protocol.Frame{Type: frameType, RequestID: "req-" + frameType}, msg)
}

func drain(conn *Connection) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case f := <-conn.Send():
			out = append(out, f)
		default:
			return out
		}
	}
}

func ofType(frames []protocol.Frame, types ...string) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range frames {
		for _, typ := range types {
			if f.Type == typ {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func typesOf(frames []protocol.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func decode[T any](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Type, err)
	}
	return v
}

func errorCode(t *testing.T, frames []protocol.Frame) string {
	t.Helper()
	errs := ofType(frames, protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected one error frame, got %v", typesOf(frames))
	}
	return decode[protocol.ErrorEnvelope](t, errs[0]).Error.Code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
