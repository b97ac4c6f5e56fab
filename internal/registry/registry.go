package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
)

const DefaultOutboxSize = 128

// Conn is a live client connection. The transport drains Outbox and writes
// every event to the socket.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	out chan models.ServerMessage

	mu     sync.Mutex
	userID string
	closed bool
}

// UserID returns the announced identity, or "" before announce.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) Outbox() <-chan models.ServerMessage {
	return c.out
}

// deliver enqueues msg without blocking. Events for a closed or congested
// connection are dropped.
func (c *Conn) deliver(msg models.ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
		slog.Warn("outbox full, dropping event", "conn_id", c.ID, "type", msg.Type)
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// Registry tracks live connections and the identities announced on them.
type Registry struct {
	conns  map[string]*Conn            // conn id -> conn
	byUser map[string]map[string]*Conn // user id -> conn id -> conn

	outboxSize int
	now        func() time.Time

	mu sync.RWMutex
}

func New(outboxSize int) *Registry {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Registry{
		conns:      make(map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
		outboxSize: outboxSize,
		now:        time.Now,
	}
}

// Connect allocates a connection with no identity.
func (r *Registry) Connect() *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		ConnectedAt: r.now(),
		out:         make(chan models.ServerMessage, r.outboxSize),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	return c
}

func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Bind associates userID with an unbound connection and reports whether it
// is the first connection of that user. Binding a connection to the identity
// it already carries returns first=false and no error.
func (r *Registry) Bind(connID, userID string) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false, fmt.Errorf("connection %s: %w", connID, models.ErrNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.userID {
	case userID:
		return false, nil
	case "":
	default:
		return false, fmt.Errorf("%w: connection already bound to another user", models.ErrValidation)
	}
	c.userID = userID

	m := r.byUser[userID]
	if m == nil {
		m = make(map[string]*Conn)
		r.byUser[userID] = m
	}
	m[connID] = c
	return len(m) == 1, nil
}

// Unbind drops the identity of a connection if it is userID. last reports
// whether the user has no bound connections left.
func (r *Registry) Unbind(connID, userID string) (last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, found := r.conns[connID]
	if !found {
		return false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" || c.userID != userID {
		return false, false
	}
	c.userID = ""
	return r.dropUserLocked(userID, connID), true
}

// Remove forgets the connection and closes its outbox. ok is false when the
// connection was already removed, which makes repeated disconnects no-ops.
func (r *Registry) Remove(connID string) (userID string, last bool, ok bool) {
	r.mu.Lock()
	c, found := r.conns[connID]
	if !found {
		r.mu.Unlock()
		return "", false, false
	}
	delete(r.conns, connID)

	userID = c.UserID()
	if userID != "" {
		last = r.dropUserLocked(userID, connID)
	}
	r.mu.Unlock()

	c.close()
	return userID, last, true
}

func (r *Registry) dropUserLocked(userID, connID string) bool {
	m := r.byUser[userID]
	if m == nil {
		return true
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// Send delivers msg to one connection. A missing recipient is not an error.
func (r *Registry) Send(connID string, msg models.ServerMessage) bool {
	c, ok := r.Get(connID)
	if !ok {
		return false
	}
	return c.deliver(msg)
}

// Broadcast delivers msg to every connection except exclude and returns the
// number of connections that accepted it.
func (r *Registry) Broadcast(exclude string, msg models.ServerMessage) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.deliver(msg) {
			delivered++
		}
	}
	return delivered
}

// Online reports whether the user has at least one announced connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionsOf returns the connections announced as userID, oldest first.
func (r *Registry) ConnectionsOf(userID string) []*Conn {
	r.mu.RLock()
	m := r.byUser[userID]
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Stats returns the number of live connections and of online users.
func (r *Registry) Stats() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.byUser)
}
