package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"campaignsync/internal/apperr"
	"campaignsync/internal/protocol"
)

const (
	DefaultLogCapacity = 500
	DefaultLogMaxAge   = 2 * time.Hour
)

// SyncEvent is one sequenced, state-changing event of a room.
type SyncEvent struct {
	ID          string          `json:"id"`
	Room        RoomKey         `json:"-"`
	Sequence    uint64          `json:"sequence"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	ActorUserID string          `json:"actor_user_id,omitempty"`
	At          time.Time       `json:"at"`
	Visibility  Visibility      `json:"visibility"`
}

// Frame renders the event as an outbound frame.
func (e SyncEvent) Frame() protocol.Frame {
	return protocol.Frame{
		Type:     e.Type,
		Sequence: e.Sequence,
		Room:     e.Room.String(),
		Payload:  e.Payload,
	}
}

// SyncLog keeps the most recent events of one room, bounded by count and
// age. Sequences in the log are contiguous.
type SyncLog struct {
	mu       sync.RWMutex
	events   []SyncEvent
	capacity int
	maxAge   time.Duration
	now      func() time.Time
}

// NewSyncLog creates a log. Non-positive limits fall back to the defaults.
func NewSyncLog(capacity int, maxAge time.Duration, now func() time.Time) *SyncLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultLogMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &SyncLog{capacity: capacity, maxAge: maxAge, now: now}
}

// append adds evt, which must follow the last logged sequence.
func (l *SyncLog) append(evt SyncEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.events); n > 0 && l.events[n-1].Sequence+1 != evt.Sequence {
		// A hole would make gap detection lie; restart the window.
		l.events = l.events[:0]
	}
	l.events = append(l.events, evt)
	l.pruneLocked()
}

// seed replaces the contents with events restored from storage.
func (l *SyncLog) seed(events []SyncEvent) {
	sorted := append([]SyncEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = l.events[:0]
	for _, evt := range sorted {
		if n := len(l.events); n > 0 && l.events[n-1].Sequence+1 != evt.Sequence {
			l.events = l.events[:0]
		}
		l.events = append(l.events, evt)
	}
	l.pruneLocked()
}

func (l *SyncLog) pruneLocked() {
	drop := 0
	if over := len(l.events) - l.capacity; over > 0 {
		drop = over
	}
	cutoff := l.now().Add(-l.maxAge)
	for drop < len(l.events) && l.events[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		l.events = append(l.events[:0], l.events[drop:]...)
	}
}

// Since returns every event after lastSeen up to latest, the room's current
// sequence. It fails with SEQUENCE_GAP_TOO_LARGE when the log no longer
// holds the whole gap or lastSeen is ahead of the room.
func (l *SyncLog) Since(lastSeen, latest uint64) ([]SyncEvent, error) {
	if lastSeen > latest {
		return nil, apperr.New(apperr.CodeSequenceGapTooLarge,
			fmt.Sprintf("last seen sequence %d is ahead of room sequence %d", lastSeen, latest))
	}
	if lastSeen == latest {
		return nil, nil
	}

	l.mu.Lock()
	l.pruneLocked()
	var out []SyncEvent
	covered := len(l.events) > 0 && l.events[0].Sequence <= lastSeen+1
	if covered {
		idx := sort.Search(len(l.events), func(i int) bool { return l.events[i].Sequence > lastSeen })
		out = append(out, l.events[idx:]...)
	}
	l.mu.Unlock()

	if !covered || len(out) == 0 || out[len(out)-1].Sequence != latest {
		return nil, apperr.New(apperr.CodeSequenceGapTooLarge,
			fmt.Sprintf("events after %d are no longer retained", lastSeen))
	}
	return out, nil
}

// Len returns the number of retained events.
func (l *SyncLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Oldest returns the lowest retained sequence.
func (l *SyncLog) Oldest() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return 0, false
	}
	return l.events[0].Sequence, true
}
