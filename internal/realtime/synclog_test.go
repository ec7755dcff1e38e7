package realtime

import (
	"reflect"
	"testing"
	"time"

	"campaignsync/internal/apperr"
	"campaignsync/internal/protocol"
)

func testFrame(frameType string) protocol.Frame {
	return protocol.Frame{Type: frameType}
}

func fillLog(log *SyncLog, clock *fakeClock, from, to uint64) {
	for seq := from; seq <= to; seq++ {
		log.append(SyncEvent{Sequence: seq, Type: "chat_message", At: clock.Now()})
	}
}

func sequences(events []SyncEvent) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Sequence
	}
	return out
}

func TestSinceReturnsGapInOrder(t *testing.T) {
	clock := newFakeClock()
	log := NewSyncLog(10, time.Hour, clock.Now)
	fillLog(log, clock, 1, 8)

	got, err := log.Since(3, 8)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if want := []uint64{4, 5, 6, 7, 8}; !reflect.DeepEqual(sequences(got), want) {
		t.Fatalf("sequences = %v, want %v", sequences(got), want)
	}

	again, err := log.Since(3, 8)
	if err != nil {
		t.Fatalf("second since: %v", err)
	}
	if !reflect.DeepEqual(got, again) {
		t.Fatal("replaying the same sequence twice returned different events")
	}
}

func TestSinceCurrentClientGetsNothing(t *testing.T) {
	clock := newFakeClock()
	log := NewSyncLog(10, time.Hour, clock.Now)
	fillLog(log, clock, 1, 4)

	got, err := log.Since(4, 4)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
	if got, err := log.Since(0, 0); err != nil || len(got) != 0 {
		t.Fatalf("empty room: %v, %v", got, err)
	}
}

func TestSinceBeyondRetention(t *testing.T) {
	clock := newFakeClock()
	log := NewSyncLog(5, time.Hour, clock.Now)
	fillLog(log, clock, 1, 12)

	if oldest, _ := log.Oldest(); oldest != 8 || log.Len() != 5 {
		t.Fatalf("oldest=%d len=%d", oldest, log.Len())
	}
	if _, err := log.Since(6, 12); !apperr.HasCode(err, apperr.CodeSequenceGapTooLarge) {
		t.Fatalf("err = %v, want SEQUENCE_GAP_TOO_LARGE", err)
	}
	if got, err := log.Since(7, 12); err != nil || len(got) != 5 {
		t.Fatalf("boundary: %v, %v", sequences(got), err)
	}
	if _, err := log.Since(13, 12); !apperr.HasCode(err, apperr.CodeSequenceGapTooLarge) {
		t.Fatalf("ahead of room err = %v", err)
	}
}

func TestSinceExpiresByAge(t *testing.T) {
	clock := newFakeClock()
	log := NewSyncLog(100, time.Minute, clock.Now)
	fillLog(log, clock, 1, 3)
	clock.Advance(2 * time.Minute)
	fillLog(log, clock, 4, 5)

	if _, err := log.Since(1, 5); !apperr.HasCode(err, apperr.CodeSequenceGapTooLarge) {
		t.Fatalf("err = %v, want SEQUENCE_GAP_TOO_LARGE", err)
	}
	got, err := log.Since(3, 5)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if want := []uint64{4, 5}; !reflect.DeepEqual(sequences(got), want) {
		t.Fatalf("sequences = %v", sequences(got))
	}
}

func TestSeedSortsAndKeepsContiguousTail(t *testing.T) {
	clock := newFakeClock()
	log := NewSyncLog(10, time.Hour, clock.Now)
	log.seed([]SyncEvent{
		{Sequence: 9, At: clock.Now()},
		{Sequence: 2, At: clock.Now()},
		{Sequence: 8, At: clock.Now()},
		{Sequence: 7, At: clock.Now()},
	})
	got, err := log.Since(6, 9)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if want := []uint64{7, 8, 9}; !reflect.DeepEqual(sequences(got), want) {
		t.Fatalf("sequences = %v", sequences(got))
	}
	if _, err := log.Since(1, 9); !apperr.HasCode(err, apperr.CodeSequenceGapTooLarge) {
		t.Fatalf("hole in restored events must force a full resync, got %v", err)
	}
}

func TestVisibilityAllows(t *testing.T) {
	tests := []struct {
		name string
		vis  Visibility
		user string
		role Role
		want bool
	}{
		{"everyone", Everyone(), "p", RolePlayer, true},
		{"gm only player", GMOnly(), "p", RolePlayer, false},
		{"gm only gm", GMOnly(), "g", RoleGM, true},
		{"gm only owner", GMOnly(), "o", RoleOwner, true},
		{"except self", ExceptUser("p"), "p", RolePlayer, false},
		{"except other", ExceptUser("p"), "q", RolePlayer, true},
		{"only listed", OnlyUsers("a", "b"), "b", RolePlayer, true},
		{"only unlisted gm", OnlyUsers("a", "b"), "g", RoleGM, false},
		{"unknown kind", Visibility{Kind: "secret"}, "p", RoleOwner, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.vis.Allows(tt.user, tt.role); got != tt.want {
				t.Fatalf("Allows = %v, want %v", got, tt.want)
			}
		})
	}
}
