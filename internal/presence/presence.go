// Package presence writes online/offline transitions to the user store and
// fans them out to every other connection.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"
)

// Store is the durable side of presence. It is the source of truth; the
// broadcaster never keeps a copy.
type Store interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
}

type Fanout interface {
	Broadcast(exclude string, msg models.ServerMessage) int
}

type Broadcaster struct {
	store  Store
	fanout Fanout
	locks  userLocks
}

func New(store Store, fanout Fanout) *Broadcaster {
	return &Broadcaster{
		store:  store,
		fanout: fanout,
		locks:  userLocks{m: make(map[string]*userLock)},
	}
}

// Sequence serializes presence transitions of one user. Callers hold it
// from the moment they decide a transition until its fan-out is done, so a
// user's online and offline events are never delivered out of order.
// Transitions of different users do not contend.
func (b *Broadcaster) Sequence(userID string) (unlock func()) {
	return b.locks.lock(userID)
}

// Online marks userID online and notifies everyone but origin.
// Store failures are logged and swallowed.
func (b *Broadcaster) Online(ctx context.Context, userID, origin string) {
	if err := b.store.SetOnline(ctx, userID, true); err != nil {
		slog.Warn("presence update failed", "user_id", userID, "online", true, "error", err)
	}
	b.fanout.Broadcast(origin, models.NewPresenceChanged(models.PresenceChanged{
		UserID: userID,
		Online: true,
	}))
}

// Offline marks userID offline with last-seen at and notifies everyone but
// origin.
func (b *Broadcaster) Offline(ctx context.Context, userID, origin string, at time.Time) {
	if err := b.store.SetOnline(ctx, userID, false); err != nil {
		slog.Warn("presence update failed", "user_id", userID, "online", false, "error", err)
	}
	if err := b.store.SetLastSeen(ctx, userID, at); err != nil {
		slog.Warn("last seen update failed", "user_id", userID, "error", err)
	}
	b.fanout.Broadcast(origin, models.NewPresenceChanged(models.PresenceChanged{
		UserID:   userID,
		Online:   false,
		LastSeen: at.Unix(),
	}))
}

type userLock struct {
	sync.Mutex
	refs int
}

// userLocks is a set of mutexes keyed by user id, dropped when unused.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*userLock
}

func (l *userLocks) lock(id string) func() {
	l.mu.Lock()
	ul, ok := l.m[id]
	if !ok {
		ul = &userLock{}
		l.m[id] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
