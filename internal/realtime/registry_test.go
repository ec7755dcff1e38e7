package realtime

import (
	"testing"
	"time"

	"campaignsync/internal/apperr"
)

func TestRegisterRequiresIdentity(t *testing.T) {
	reg := NewRegistry(8, nil)
	tests := []struct {
		name string
		id   Identity
	}{
		{"no user", Identity{Role: RolePlayer}},
		{"blank user", Identity{UserID: "  ", Role: RolePlayer}},
		{"no role", Identity{UserID: "u1"}},
		{"unknown role", Identity{UserID: "u1", Role: "admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(tt.id, nil)
			if !apperr.HasCode(err, apperr.CodeUnauthenticated) {
				t.Fatalf("err = %v, want UNAUTHENTICATED", err)
			}
		})
	}
	if reg.Count() != 0 {
		t.Fatalf("rejected registrations were stored: %d", reg.Count())
	}
}

func TestRegisterLookupUnregister(t *testing.T) {
	reg := NewRegistry(8, nil)
	conn, err := reg.Register(Identity{UserID: "u1", Role: "GM"}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id, ok := reg.Lookup(conn.ID)
	if !ok || id.UserID != "u1" || id.Role != RoleGM {
		t.Fatalf("lookup = %+v, %v", id, ok)
	}
	if _, ok := reg.Unregister(conn.ID); !ok {
		t.Fatal("unregister reported missing connection")
	}
	if _, ok := reg.Lookup(conn.ID); ok {
		t.Fatal("connection still registered")
	}
	if _, ok := reg.Unregister(conn.ID); ok {
		t.Fatal("second unregister should report missing")
	}
}

func TestStaleUsesLastHeartbeat(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(8, clock.Now)
	quiet, _ := reg.Register(Identity{UserID: "quiet", Role: RolePlayer}, nil)
	chatty, _ := reg.Register(Identity{UserID: "chatty", Role: RolePlayer}, nil)

	clock.Advance(20 * time.Second)
	reg.Touch(chatty.ID)
	clock.Advance(15 * time.Second)

	stale := reg.Stale(clock.Now(), 30*time.Second)
	if len(stale) != 1 || stale[0].ID != quiet.ID {
		t.Fatalf("stale = %v", stale)
	}
}

func TestEnqueueOverflowDropsConnection(t *testing.T) {
	dropped := make(chan DropReason, 1)
	reg := NewRegistry(1, nil)
	conn, _ := reg.Register(Identity{UserID: "u", Role: RolePlayer}, func(_ *Connection, r DropReason) {
		dropped <- r
	})

	if !conn.enqueue(testFrame("a")) {
		t.Fatal("first frame should fit")
	}
	if conn.enqueue(testFrame("b")) {
		t.Fatal("second frame should overflow")
	}
	select {
	case r := <-dropped:
		if r != DropQueueFull {
			t.Fatalf("reason = %s", r)
		}
	case <-time.After(time.Second):
		t.Fatal("onDrop not called")
	}
	if !conn.Closed() || conn.Reason() != DropQueueFull {
		t.Fatalf("closed=%v reason=%s", conn.Closed(), conn.Reason())
	}
	if conn.enqueue(testFrame("c")) {
		t.Fatal("closed connection accepted a frame")
	}
}

func TestRoomKeyParsing(t *testing.T) {
	key, err := ParseRoomKey("session:s-1")
	if err != nil || key != (RoomKey{Scope: ScopeSession, ID: "s-1"}) {
		t.Fatalf("key = %+v err = %v", key, err)
	}
	for _, bad := range []string{"", "session", "guild:1", "campaign:", "campaign:a:b"} {
		if _, err := ParseRoomKey(bad); !apperr.HasCode(err, apperr.CodeInvalidArgument) {
			t.Errorf("ParseRoomKey(%q) err = %v", bad, err)
		}
	}
}
