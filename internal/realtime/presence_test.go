package realtime

import (
	"context"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"campaignsync/internal/protocol"
)

type mirrorCall struct {
	room   RoomKey
	user   string
	online bool
}

type recordingMirror struct {
	mu    sync.Mutex
	calls []mirrorCall
}

func (m *recordingMirror) Update(key RoomKey, userID string, online bool) {
	m.mu.Lock()
	m.calls = append(m.calls, mirrorCall{key, userID, online})
	m.mu.Unlock()
}

func TestPresenceDeduplicatesConnections(t *testing.T) {
	mirror := &recordingMirror{}
	h := newTestHub(t, Config{}, Deps{Mirror: mirror})
	key := sessionKey("s1")

	watcher := connect(t, h, "gm", RoleGM)
	join(t, h, watcher, key)
	tab1 := connect(t, h, "alice", RolePlayer)
	tab2 := connect(t, h, "alice", RolePlayer)
	join(t, h, tab1, key)
	join(t, h, tab2, key)

	if got := ofType(drain(watcher), protocol.TypePresenceJoin); len(got) != 1 {
		t.Fatalf("presence_join count = %d, want 1", len(got))
	}
	if got := h.Presence().OnlineUsers(key); !reflect.DeepEqual(got, []string{"alice", "gm"}) {
		t.Fatalf("online = %v", got)
	}

	h.Leave(context.Background(), tab1, "", key)
	if !h.Presence().IsOnline("alice", key) {
		t.Fatal("alice went offline while a second tab is still joined")
	}
	if got := ofType(drain(watcher), protocol.TypePresenceLeave); len(got) != 0 {
		t.Fatalf("unexpected presence_leave %v", got)
	}

	h.Disconnect(context.Background(), tab2, DropClosed)
	if h.Presence().IsOnline("alice", key) {
		t.Fatal("alice still online after her last connection left")
	}
	leaves := ofType(drain(watcher), protocol.TypePresenceLeave)
	if len(leaves) != 1 || decode[protocol.PresencePayload](t, leaves[0]).UserID != "alice" {
		t.Fatalf("presence_leave = %v", leaves)
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	var alice []bool
	for _, c := range mirror.calls {
		if c.user == "alice" {
			alice = append(alice, c.online)
		}
	}
	if !reflect.DeepEqual(alice, []bool{true, false}) {
		t.Fatalf("mirror updates for alice = %v", alice)
	}
}

func TestOnlineUsersMatchesMembership(t *testing.T) {
	h := newTestHub(t, Config{}, Deps{})
	key := sessionKey("s1")
	rng := rand.New(rand.NewSource(3))

	type slot struct {
		conn   *Connection
		joined bool
	}
	var slots []*slot
	for _, user := range []string{"u1", "u2", "u3", "u4"} {
		for i := 0; i < 2; i++ {
			slots = append(slots, &slot{conn: connect(t, h, user, RolePlayer)})
		}
	}

	for step := 0; step < 300; step++ {
		s := slots[rng.Intn(len(slots))]
		if rng.Intn(2) == 0 {
			join(t, h, s.conn, key)
			s.joined = true
		} else {
			h.Leave(context.Background(), s.conn, "", key)
			s.joined = false
		}
		for _, s := range slots {
			drain(s.conn)
		}

		want := map[string]struct{}{}
		for _, s := range slots {
			if s.joined {
				want[s.conn.Identity.UserID] = struct{}{}
			}
		}
		wantList := make([]string, 0, len(want))
		for u := range want {
			wantList = append(wantList, u)
		}
		sort.Strings(wantList)

		got := h.Presence().OnlineUsers(key)
		if len(got) == 0 && len(wantList) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, wantList) {
			t.Fatalf("step %d: online = %v, want %v", step, got, wantList)
		}
	}
}

func TestTypingExpiresOnItsOwn(t *testing.T) {
	h := newTestHub(t, Config{TypingTTL: 30 * time.Millisecond}, Deps{})
	key := sessionKey("s1")
	alice := connect(t, h, "alice", RolePlayer)
	bob := connect(t, h, "bob", RolePlayer)
	join(t, h, alice, key)
	join(t, h, bob, key)
	drain(bob)

	send(h, alice, protocol.TypeTyping, &protocol.Typing{RoomRef: protocol.RoomRef{RoomType: "session", RoomID: "s1"}})
	if got := ofType(drain(alice), protocol.TypeTypingChanged); len(got) != 0 {
		t.Fatal("typing echoed to the typist")
	}

	var seen []bool
	waitFor(t, "typing to clear", func() bool {
		for _, f := range ofType(drain(bob), protocol.TypeTypingChanged) {
			seen = append(seen, decode[protocol.TypingPayload](t, f).Typing)
		}
		return len(seen) == 2
	})
	if !reflect.DeepEqual(seen, []bool{true, false}) {
		t.Fatalf("typing frames = %v", seen)
	}
	if recs := h.Presence().Records(key); len(recs) != 2 || recs[0].Typing {
		t.Fatalf("records after expiry = %+v", recs)
	}
}

func TestTypingRequiresMembership(t *testing.T) {
	h := newTestHub(t, Config{}, Deps{})
	alice := connect(t, h, "alice", RolePlayer)

	send(h, alice, protocol.TypeTyping, &protocol.Typing{RoomRef: protocol.RoomRef{RoomType: "session", RoomID: "s1"}})
	if code := errorCode(t, drain(alice)); code != "FORBIDDEN" {
		t.Fatalf("code = %s", code)
	}
}

func TestHeartbeatSweepRemovesSilentConnections(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(t, Config{HeartbeatTimeout: 30 * time.Second, Now: clock.Now}, Deps{})
	key := sessionKey("s1")
	quiet := connect(t, h, "quiet", RolePlayer)
	chatty := connect(t, h, "chatty", RolePlayer)
	join(t, h, quiet, key)
	join(t, h, chatty, key)
	drain(chatty)

	clock.Advance(20 * time.Second)
	send(h, chatty, protocol.TypePing, &protocol.Ping{})
	clock.Advance(15 * time.Second)

	if n := h.Sweep(context.Background()); n != 1 {
		t.Fatalf("swept %d connections, want 1", n)
	}
	if !quiet.Closed() || quiet.Reason() != DropHeartbeat {
		t.Fatalf("quiet closed=%v reason=%s", quiet.Closed(), quiet.Reason())
	}
	if got := h.Presence().OnlineUsers(key); !reflect.DeepEqual(got, []string{"chatty"}) {
		t.Fatalf("online = %v", got)
	}
	frames := drain(chatty)
	if len(ofType(frames, protocol.TypePong)) != 1 || len(ofType(frames, protocol.TypePresenceLeave)) != 1 {
		t.Fatalf("chatty frames = %v", typesOf(frames))
	}
}

func TestDisconnectRacingJoinLeavesNoMember(t *testing.T) {
	h := newTestHub(t, Config{}, Deps{})
	key := sessionKey("s1")

	for i := 0; i < 200; i++ {
		conn := connect(t, h, "racer", RolePlayer)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.Join(context.Background(), conn, "", key, nil)
		}()
		go func() {
			defer wg.Done()
			h.Disconnect(context.Background(), conn, DropClosed)
		}()
		wg.Wait()

		if members := h.Rooms().MembersOf(key); len(members) != 0 {
			t.Fatalf("iteration %d: closed connection still a member: %v", i, members)
		}
		if h.Presence().IsOnline("racer", key) {
			t.Fatalf("iteration %d: racer still online", i)
		}
	}

	late := connect(t, h, "late", RolePlayer)
	h.Disconnect(context.Background(), late, DropClosed)
	if err := h.Join(context.Background(), late, "", key, nil); err == nil {
		t.Fatal("join on a disconnected connection succeeded")
	}
	if len(late.Rooms()) != 0 {
		t.Fatalf("rooms = %v", late.Rooms())
	}
}
