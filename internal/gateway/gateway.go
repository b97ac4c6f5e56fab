// Package gateway ties the connection registry, room router, matchmaker and
// presence broadcaster together behind the operations a connection can
// invoke. It owns the disconnect cleanup path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/content"
	"parley/internal/match"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/registry"
	"parley/internal/rooms"

	"github.com/c-pro/geche"
)

const DefaultUserCacheTTL = 5 * time.Minute

type UserFinder interface {
	FindUser(ctx context.Context, id string) (models.User, error)
}

type Config struct {
	Users    UserFinder
	Presence presence.Store
	Messages rooms.MessageStore
	Members  rooms.MembershipChecker

	OutboxSize   int
	UserCacheTTL time.Duration
}

type Gateway struct {
	registry *registry.Registry
	router   *rooms.Router
	matcher  *match.Matchmaker
	presence *presence.Broadcaster

	users UserFinder
	names geche.Geche[string, string] // user id -> display name

	now func() time.Time
}

// Stats is a point-in-time snapshot of gateway state.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"onlineUsers"`
	Rooms       int `json:"rooms"`
	Waiting     int `json:"waiting"`
	Matches     int `json:"matches"`
}

// New builds a gateway. ctx bounds the lifetime of the display name cache.
func New(ctx context.Context, cfg Config) *Gateway {
	ttl := cfg.UserCacheTTL
	if ttl <= 0 {
		ttl = DefaultUserCacheTTL
	}

	reg := registry.New(cfg.OutboxSize)
	g := &Gateway{
		registry: reg,
		matcher:  match.New(reg),
		presence: presence.New(cfg.Presence, reg),
		users:    cfg.Users,
		names:    geche.NewMapTTLCache[string, string](ctx, ttl, time.Minute),
		now:      time.Now,
	}
	g.router = rooms.New(rooms.Config{
		Messages:   cfg.Messages,
		Members:    cfg.Members,
		Deliver:    reg,
		SenderName: g.displayName,
	})
	return g
}

// Connect registers a new connection without an identity.
func (g *Gateway) Connect() *registry.Conn {
	c := g.registry.Connect()
	slog.Debug("connection opened", "conn_id", c.ID)
	return c
}

// Announce binds userID to the connection. The first connection of a user
// brings it online. Announcing another identity on a bound connection logs
// the previous one out first.
func (g *Gateway) Announce(ctx context.Context, connID, userID string) error {
	if err := content.ValidateID("user id", userID); err != nil {
		return err
	}
	conn, ok := g.registry.Get(connID)
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, models.ErrNotFound)
	}

	current := conn.UserID()
	if current == userID {
		return nil
	}
	if current != "" {
		g.logout(ctx, connID, current)
	}

	unlock := g.presence.Sequence(userID)
	defer unlock()

	first, err := g.registry.Bind(connID, userID)
	if err != nil {
		return err
	}
	slog.Info("user announced", "conn_id", connID, "user_id", userID, "first", first)
	if first {
		g.presence.Online(ctx, userID, connID)
	}
	return nil
}

// ExplicitLogout takes userID offline without closing the transport. Only
// the identity bound to the connection may be logged out.
func (g *Gateway) ExplicitLogout(ctx context.Context, connID, userID string) error {
	bound, err := g.identity(connID)
	if err != nil {
		return err
	}
	if bound != userID {
		return fmt.Errorf("%w: cannot log out %s", models.ErrAuthorization, userID)
	}
	g.logout(ctx, connID, userID)
	return nil
}

func (g *Gateway) logout(ctx context.Context, connID, userID string) {
	unlock := g.presence.Sequence(userID)
	defer unlock()

	last, ok := g.registry.Unbind(connID, userID)
	if !ok {
		return
	}
	g.matcher.Leave(connID)
	g.router.LeaveAll(connID)
	slog.Info("user logged out", "conn_id", connID, "user_id", userID, "last", last)
	if last {
		g.presence.Offline(ctx, userID, connID, g.now())
	}
}

// Disconnect runs the cleanup of a closed transport. Only the first call for
// a connection has any effect.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	conn, ok := g.registry.Get(connID)
	if !ok {
		return
	}

	locked := conn.UserID()
	unlock := g.sequence(locked)

	userID, last, ok := g.registry.Remove(connID)
	if !ok {
		unlock()
		return
	}
	if userID != locked {
		unlock()
		unlock = g.sequence(userID)
	}
	defer unlock()

	g.matcher.Leave(connID)
	g.router.LeaveAll(connID)
	slog.Debug("connection closed", "conn_id", connID, "user_id", userID)

	// Another connection may have announced the user while the lock was
	// swapped.
	if userID != "" && last && !g.registry.Online(userID) {
		g.presence.Offline(ctx, userID, connID, g.now())
	}
}

func (g *Gateway) sequence(userID string) func() {
	if userID == "" {
		return func() {}
	}
	return g.presence.Sequence(userID)
}

func (g *Gateway) JoinDirect(connID, peerID string) (string, error) {
	userID, err := g.identity(connID)
	if err != nil {
		return "", err
	}
	return g.router.JoinDirect(connID, userID, peerID)
}

func (g *Gateway) SendDirect(ctx context.Context, connID, peerID string, c models.Content) (models.Message, error) {
	userID, err := g.identity(connID)
	if err != nil {
		return models.Message{}, err
	}
	return g.router.SendDirect(ctx, userID, peerID, c)
}

func (g *Gateway) JoinCommunity(connID, communityID string) (string, error) {
	if _, err := g.identity(connID); err != nil {
		return "", err
	}
	return g.router.JoinCommunity(connID, communityID)
}

func (g *Gateway) SendCommunity(ctx context.Context, connID, communityID string, c models.Content) (models.Message, error) {
	userID, err := g.identity(connID)
	if err != nil {
		return models.Message{}, err
	}
	return g.router.SendCommunity(ctx, connID, userID, communityID, c)
}

func (g *Gateway) DeleteCommunityMessage(ctx context.Context, connID, messageID string) error {
	userID, err := g.identity(connID)
	if err != nil {
		return err
	}
	return g.router.DeleteCommunityMessage(ctx, userID, messageID)
}

func (g *Gateway) History(ctx context.Context, connID string, req models.HistoryRequest) (models.History, error) {
	userID, err := g.identity(connID)
	if err != nil {
		return models.History{}, err
	}
	return g.router.History(ctx, userID, req)
}

func (g *Gateway) EnqueueMatch(connID string) (match.State, error) {
	if _, err := g.identity(connID); err != nil {
		return match.Idle, err
	}
	return g.matcher.Enqueue(connID), nil
}

func (g *Gateway) LeaveMatch(connID string) {
	g.matcher.Leave(connID)
}

// Signal forwards payload to the partner of connID in roomID. Anything that
// does not name the sender's active pair is dropped.
func (g *Gateway) Signal(connID, roomID string, payload json.RawMessage) bool {
	return g.matcher.Relay(roomID, connID, payload)
}

// Send queues msg on one connection.
func (g *Gateway) Send(connID string, msg models.ServerMessage) bool {
	return g.registry.Send(connID, msg)
}

func (g *Gateway) Stats() Stats {
	conns, users := g.registry.Stats()
	waiting, pairs := g.matcher.Stats()
	return Stats{
		Connections: conns,
		OnlineUsers: users,
		Rooms:       g.router.Len(),
		Waiting:     waiting,
		Matches:     pairs,
	}
}

// ConnectionInfo describes one live connection of a user.
type ConnectionInfo struct {
	ID          string `json:"id"`
	ConnectedAt int64  `json:"connectedAt"`
}

// Connections lists the live connections announced as userID, oldest first.
func (g *Gateway) Connections(userID string) []ConnectionInfo {
	conns := g.registry.ConnectionsOf(userID)
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionInfo{ID: c.ID, ConnectedAt: c.ConnectedAt.Unix()})
	}
	return out
}

// ForgetUser drops the cached display name of a user whose profile changed.
func (g *Gateway) ForgetUser(userID string) {
	_ = g.names.Del(userID)
}

func (g *Gateway) identity(connID string) (string, error) {
	conn, ok := g.registry.Get(connID)
	if !ok {
		return "", fmt.Errorf("connection %s: %w", connID, models.ErrNotFound)
	}
	userID := conn.UserID()
	if userID == "" {
		return "", fmt.Errorf("%w: announce an identity first", models.ErrAuthorization)
	}
	return userID, nil
}

func (g *Gateway) displayName(ctx context.Context, userID string) string {
	if name, err := g.names.Get(userID); err == nil {
		return name
	}
	user, err := g.users.FindUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("failed to resolve display name", "user_id", userID, "error", err)
		}
		return ""
	}
	g.names.Set(userID, user.DisplayName)
	return user.DisplayName
}
