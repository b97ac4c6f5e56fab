// Package match pairs waiting connections in strict arrival order and relays
// signaling payloads between the two peers of each pair.
package match

import (
	"log/slog"
	"sync"

	"parley/internal/models"
	"parley/internal/roomid"
)

type Deliverer interface {
	Send(connID string, msg models.ServerMessage) bool
}

type State int

const (
	Idle State = iota
	Waiting
	Matched
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Matched:
		return "matched"
	default:
		return "idle"
	}
}

type pair struct {
	roomID  string
	members [2]string
}

func (p *pair) other(connID string) (string, bool) {
	switch connID {
	case p.members[0]:
		return p.members[1], true
	case p.members[1]:
		return p.members[0], true
	}
	return "", false
}

// Matchmaker owns the waiting queue and the registry of matched pairs. A
// single mutex makes "take two, pair them, record the pair" atomic, and
// notifications are enqueued under it so a peer never sees a signal before
// its own matchFound.
type Matchmaker struct {
	deliver Deliverer

	queue   []string         // waiting conn ids, oldest first
	waiting map[string]bool  // conn id -> in queue
	pairs   map[string]*pair // room id -> pair
	byConn  map[string]*pair // conn id -> pair

	mu sync.Mutex
}

func New(deliver Deliverer) *Matchmaker {
	return &Matchmaker{
		deliver: deliver,
		waiting: make(map[string]bool),
		pairs:   make(map[string]*pair),
		byConn:  make(map[string]*pair),
	}
}

// Enqueue appends an idle connection to the queue and pairs to a fixed
// point. Waiting or matched connections are left alone.
func (m *Matchmaker) Enqueue(connID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waiting[connID] {
		return Waiting
	}
	if _, ok := m.byConn[connID]; ok {
		return Matched
	}

	m.queue = append(m.queue, connID)
	m.waiting[connID] = true
	m.pairLocked()
	return m.stateLocked(connID)
}

func (m *Matchmaker) pairLocked() {
	for len(m.queue) >= 2 {
		a, b := m.queue[0], m.queue[1]
		m.queue[0], m.queue[1] = "", ""
		m.queue = m.queue[2:]
		delete(m.waiting, a)
		delete(m.waiting, b)

		p := &pair{roomID: roomid.Match(a, b), members: [2]string{a, b}}
		m.pairs[p.roomID] = p
		m.byConn[a] = p
		m.byConn[b] = p

		m.deliver.Send(a, models.NewMatchFound(models.MatchFound{RoomID: p.roomID, PartnerID: b}))
		m.deliver.Send(b, models.NewMatchFound(models.MatchFound{RoomID: p.roomID, PartnerID: a}))
		slog.Debug("matched", "room_id", p.roomID, "a", a, "b", b)
	}
}

// Leave takes the connection out of the queue or dissolves its pair,
// telling the partner. Idle connections are a no-op. Disconnect uses the
// same path.
func (m *Matchmaker) Leave(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waiting[connID] {
		delete(m.waiting, connID)
		for i, id := range m.queue {
			if id == connID {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
		return
	}

	p, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(m.pairs, p.roomID)
	delete(m.byConn, p.members[0])
	delete(m.byConn, p.members[1])

	if other, ok := p.other(connID); ok {
		m.deliver.Send(other, models.NewPartnerLeft(p.roomID))
	}
}

// State reports where the connection is in Idle -> Waiting -> Matched.
func (m *Matchmaker) State(connID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(connID)
}

func (m *Matchmaker) stateLocked(connID string) State {
	if m.waiting[connID] {
		return Waiting
	}
	if _, ok := m.byConn[connID]; ok {
		return Matched
	}
	return Idle
}

// Partner returns the match room and partner of a matched connection.
func (m *Matchmaker) Partner(connID string) (roomID, partnerID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.byConn[connID]
	if !found {
		return "", "", false
	}
	partnerID, _ = p.other(connID)
	return p.roomID, partnerID, true
}

// Stats returns the queue length and the number of active pairs.
func (m *Matchmaker) Stats() (waiting, pairs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), len(m.pairs)
}
