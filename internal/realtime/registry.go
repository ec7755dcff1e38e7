package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks live connections by id.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	queueSize int
	now       func() time.Time
}

// NewRegistry creates a registry whose connections buffer queueSize frames.
func NewRegistry(queueSize int, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		queueSize: queueSize,
		now:       now,
	}
}

// Register creates a connection for a verified identity. onDrop runs in its
// own goroutine when the connection is dropped for overflow or timeout.
func (r *Registry) Register(identity Identity, onDrop func(*Connection, DropReason)) (*Connection, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}
	role, _ := ParseRole(string(identity.Role))
	identity.Role = role
	conn := newConnection(uuid.NewString(), identity, r.queueSize, r.now(), onDrop)

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()
	return conn, nil
}

// Unregister removes a connection. Room membership is cleaned up by the hub.
func (r *Registry) Unregister(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	return conn, ok
}

// Lookup returns the identity bound to a connection.
func (r *Registry) Lookup(connID string) (Identity, bool) {
	conn, ok := r.Get(connID)
	if !ok {
		return Identity{}, false
	}
	return conn.Identity, true
}

// Get returns a live connection.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Touch refreshes the heartbeat of a connection.
func (r *Registry) Touch(connID string) {
	if conn, ok := r.Get(connID); ok {
		conn.touch(r.now())
	}
}

// Stale lists connections silent for longer than timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*Connection
	for _, conn := range r.conns {
		if now.Sub(conn.LastSeen()) > timeout {
			stale = append(stale, conn)
		}
	}
	return stale
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
