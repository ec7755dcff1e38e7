package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"campaignsync/internal/protocol"
)

// DropReason explains why a connection was removed.
type DropReason string

const (
	DropClosed    DropReason = "closed"
	DropQueueFull DropReason = "queue_full"
	DropHeartbeat DropReason = "heartbeat_timeout"
	DropShutdown  DropReason = "shutdown"
)

const defaultSendCap = 256

// Connection is one authenticated client socket. The transport drains Send
// until Done is closed; the realtime core only ever enqueues.
type Connection struct {
	ID       string
	Identity Identity

	send      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
	lastSeen  atomic.Int64
	onDrop    func(*Connection, DropReason)

	mu    sync.Mutex
	rooms map[RoomKey]Role
}

func newConnection(id string, identity Identity, queueSize int, now time.Time, onDrop func(*Connection, DropReason)) *Connection {
	if queueSize <= 0 {
		queueSize = defaultSendCap
	}
	c := &Connection{
		ID:       id,
		Identity: identity,
		send:     make(chan protocol.Frame, queueSize),
		done:     make(chan struct{}),
		onDrop:   onDrop,
		rooms:    make(map[RoomKey]Role),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Send returns the outbound queue. It is never closed.
func (c *Connection) Send() <-chan protocol.Frame {
	return c.send
}

// Done is closed once the connection is dropped or closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection was shut down.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns why the connection closed, or "" while it is open.
func (c *Connection) Reason() DropReason {
	if r, ok := c.reason.Load().(DropReason); ok {
		return r
	}
	return ""
}

// LastSeen returns the time of the last inbound frame or heartbeat.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// enqueue delivers frame without blocking. A full queue drops the
// connection; the client recovers through reconnect and replay.
func (c *Connection) enqueue(frame protocol.Frame) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.drop(DropQueueFull)
		return false
	}
}

// drop closes the connection and notifies the owner asynchronously, since
// callers may hold a room lock.
func (c *Connection) drop(reason DropReason) {
	if c.close(reason) && c.onDrop != nil {
		go c.onDrop(c, reason)
	}
}

// Close shuts the connection down without notifying the owner.
func (c *Connection) Close() {
	c.close(DropClosed)
}

// close holds mu so addRoom cannot slip a room in after a Rooms snapshot
// taken once the connection is closed.
func (c *Connection) close(reason DropReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	closed := false
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		closed = true
	})
	return closed
}

// Rooms returns the rooms the connection has joined.
func (c *Connection) Rooms() []RoomKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]RoomKey, 0, len(c.rooms))
	for key := range c.rooms {
		keys = append(keys, key)
	}
	return keys
}

// RoleIn returns the role granted when the connection joined key.
func (c *Connection) RoleIn(key RoomKey) (Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	role, ok := c.rooms[key]
	return role, ok
}

// addRoom records membership unless the connection is already closed.
func (c *Connection) addRoom(key RoomKey, role Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return false
	}
	c.rooms[key] = role
	return true
}

func (c *Connection) removeRoom(key RoomKey) {
	c.mu.Lock()
	delete(c.rooms, key)
	c.mu.Unlock()
}
