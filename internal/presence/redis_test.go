package presence

import (
	"context"
	"encoding/json"
	"os"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"campaignsync/internal/realtime"
)

func TestKey(t *testing.T) {
	got := Key(realtime.RoomKey{Scope: realtime.ScopeSession, ID: "s1"})
	if got != "presence:session:s1" {
		t.Fatalf("key = %q", got)
	}
}

func TestUpdateNeverBlocks(t *testing.T) {
	m := NewRedisMirror(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), nil)
	room := realtime.RoomKey{Scope: realtime.ScopeCampaign, ID: "c1"}
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(m.updates)+10; i++ {
			m.Update(room, "u", i%2 == 0)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Update blocked without a running worker")
	}
}

func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	room := realtime.RoomKey{Scope: realtime.ScopeSession, ID: "mirror-test"}
	rdb.Del(ctx, Key(room))
	sub := rdb.Subscribe(ctx, Channel)
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := NewRedisMirror(rdb, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(runCtx)
	}()

	m.Update(room, "alice", true)
	m.Update(room, "bob", true)
	m.Update(room, "alice", false)

	var changes []Change
	for len(changes) < 3 {
		select {
		case msg := <-sub.Channel():
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if c.Room == room.String() {
				changes = append(changes, c)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d changes", len(changes))
		}
	}
	if changes[2].UserID != "alice" || changes[2].Online {
		t.Fatalf("last change = %+v", changes[2])
	}

	online, err := m.Online(ctx, room)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	sort.Strings(online)
	if !reflect.DeepEqual(online, []string{"bob"}) {
		t.Fatalf("online = %v", online)
	}

	cancel()
	<-done
	if n, err := rdb.Exists(ctx, Key(room)).Result(); err != nil || n != 0 {
		t.Fatalf("set survived shutdown: %d, %v", n, err)
	}
}
