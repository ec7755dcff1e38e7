// Package presence mirrors room presence into Redis so other services can
// read who is online without talking to the hub.
package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"campaignsync/internal/realtime"
)

// Channel is where presence changes are published.
const Channel = "presence"

// Change is the message published on Channel.
type Change struct {
	Room   string    `json:"room"`
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// RedisMirror keeps one set per room, "presence:<room>", holding the ids
// of online users, and publishes every change. Updates are queued and
// applied by Run so callers never wait on Redis.
type RedisMirror struct {
	rdb     *redis.Client
	updates chan Change
	logger  *slog.Logger
	now     func() time.Time
}

var _ realtime.PresenceMirror = (*RedisMirror)(nil)

// NewRedisMirror creates a mirror writing through rdb.
func NewRedisMirror(rdb *redis.Client, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisMirror{
		rdb:     rdb,
		updates: make(chan Change, 1024),
		logger:  logger,
		now:     time.Now,
	}
}

// Key returns the Redis set holding the online users of room.
func Key(room realtime.RoomKey) string {
	return "presence:" + room.String()
}

// Update queues a presence change. It drops the change when the queue is
// full; the next change of the same user corrects the set.
func (m *RedisMirror) Update(room realtime.RoomKey, userID string, online bool) {
	change := Change{Room: room.String(), UserID: userID, Online: online, At: m.now().UTC()}
	select {
	case m.updates <- change:
	default:
		m.logger.Warn("presence mirror queue full", "room", change.Room, "user", userID)
	}
}

// Run applies queued changes until ctx is done. It clears the sets of rooms
// it touched on the way out, since no user stays online past the hub.
func (m *RedisMirror) Run(ctx context.Context) error {
	touched := make(map[string]struct{})
	for {
		select {
		case change := <-m.updates:
			touched[change.Room] = struct{}{}
			if err := m.apply(ctx, change); err != nil {
				m.logger.Error("presence mirror", "room", change.Room, "user", change.UserID, "error", err)
			}
		case <-ctx.Done():
			m.clear(touched)
			return nil
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, change Change) error {
	key := "presence:" + change.Room
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if change.Online {
			pipe.SAdd(ctx, key, change.UserID)
		} else {
			pipe.SRem(ctx, key, change.UserID)
		}
		pipe.Publish(ctx, Channel, payload)
		return nil
	})
	return err
}

func (m *RedisMirror) clear(rooms map[string]struct{}) {
	if len(rooms) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	keys := make([]string, 0, len(rooms))
	for room := range rooms {
		keys = append(keys, "presence:"+room)
	}
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		m.logger.Warn("clear presence sets", "error", err)
	}
}

// Online returns the user ids Redis holds as online in room. It is the read
// side of the mirror for other services and is not used by the hub itself.
func (m *RedisMirror) Online(ctx context.Context, room realtime.RoomKey) ([]string, error) {
	return m.rdb.SMembers(ctx, Key(room)).Result()
}
