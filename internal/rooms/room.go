package rooms

import (
	"sync"

	"parley/internal/models"
)

// Room is the membership set of one room id. Members are connection ids.
type Room struct {
	ID      string
	Members map[string]bool

	// refs counts in-flight sends holding the room; guarded by Router.mu.
	refs int

	// seq orders persist-then-emit of sends and deletes within this room.
	seq sync.Mutex

	mux sync.RWMutex
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		Members: make(map[string]bool),
	}
}

func (r *Room) Join(connID string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.Members[connID] = true
}

func (r *Room) Leave(connID string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.Members, connID)
}

func (r *Room) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.Members)
}

// snapshot copies the member list so delivery runs without the lock.
func (r *Room) snapshot() []string {
	r.mux.RLock()
	defer r.mux.RUnlock()
	out := make([]string, 0, len(r.Members))
	for id := range r.Members {
		out = append(out, id)
	}
	return out
}

// emit delivers msg to every current member and returns how many accepted it.
func (r *Room) emit(d Deliverer, msg models.ServerMessage) int {
	n := 0
	for _, connID := range r.snapshot() {
		if d.Send(connID, msg) {
			n++
		}
	}
	return n
}
