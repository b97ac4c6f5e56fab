package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"parley/internal/match"
	"parley/internal/models"
	"parley/internal/registry"
	"parley/internal/roomid"
	"parley/internal/storage"

	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

type countingUsers struct {
	UserFinder
	calls atomic.Int32
}

func (c *countingUsers) FindUser(ctx context.Context, id string) (models.User, error) {
	c.calls.Add(1)
	return c.UserFinder.FindUser(ctx, id)
}

type brokenPresence struct{}

func (brokenPresence) SetOnline(context.Context, string, bool) error {
	return models.ErrStoreUnavailable
}

func (brokenPresence) SetLastSeen(context.Context, string, time.Time) error {
	return models.ErrStoreUnavailable
}

func newStore(t *testing.T) *storage.BboltStorage {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertUser(models.User{ID: "u1", DisplayName: "Alice"}))
	require.NoError(t, store.UpsertUser(models.User{ID: "u2", DisplayName: "Bob"}))
	require.NoError(t, store.UpsertUser(models.User{ID: "u3", DisplayName: "Carol"}))
	require.NoError(t, store.UpsertCommunity(models.Community{ID: "c1", Name: "Cats", Members: []string{"u1"}}))
	return store
}

func newGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g := New(ctx, cfg)
	g.now = func() time.Time { return testNow }
	return g
}

func storeConfig(store *storage.BboltStorage) Config {
	return Config{Users: store, Presence: store, Messages: store, Members: store}
}

// drain returns everything queued on the connection so far.
func drain(c *registry.Conn) []models.ServerMessage {
	var out []models.ServerMessage
	for {
		select {
		case msg, ok := <-c.Outbox():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func ofType(msgs []models.ServerMessage, typ models.ServerMessageType) []models.ServerMessage {
	var out []models.ServerMessage
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func announced(t *testing.T, g *Gateway, userID string) *registry.Conn {
	t.Helper()
	c := g.Connect()
	require.NoError(t, g.Announce(context.Background(), c.ID, userID))
	return c
}

func TestAnnounce(t *testing.T) {
	store := newStore(t)
	g := newGateway(t, storeConfig(store))
	ctx := context.Background()

	observer := g.Connect()
	c1 := announced(t, g, "u1")

	events := drain(observer)
	require.Len(t, events, 1)
	require.Equal(t, models.NewPresenceChanged(models.PresenceChanged{UserID: "u1", Online: true}), events[0])
	require.Empty(t, drain(c1), "origin does not hear its own presence")

	u, err := store.FindUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, u.Presence.Online)

	// Same identity again and a second connection of the same user are silent.
	require.NoError(t, g.Announce(ctx, c1.ID, "u1"))
	announced(t, g, "u1")
	require.Empty(t, drain(observer))

	require.ErrorIs(t, g.Announce(ctx, c1.ID, ""), models.ErrValidation)
	require.ErrorIs(t, g.Announce(ctx, "nope", "u1"), models.ErrNotFound)
}

func TestAnnounce_Rebind(t *testing.T) {
	g := newGateway(t, storeConfig(newStore(t)))

	observer := g.Connect()
	c := announced(t, g, "u1")
	_, err := g.JoinCommunity(c.ID, "c1")
	require.NoError(t, err)
	drain(observer)

	require.NoError(t, g.Announce(context.Background(), c.ID, "u2"))
	require.Equal(t, []models.ServerMessage{
		models.NewPresenceChanged(models.PresenceChanged{UserID: "u1", Online: false, LastSeen: testNow.Unix()}),
		models.NewPresenceChanged(models.PresenceChanged{UserID: "u2", Online: true}),
	}, drain(observer))
	require.Zero(t, g.Stats().Rooms, "rooms of the old identity are left")
}

func TestExplicitLogout(t *testing.T) {
	g := newGateway(t, storeConfig(newStore(t)))
	ctx := context.Background()

	observer := announced(t, g, "u2")
	c := announced(t, g, "u1")
	_, err := g.JoinDirect(c.ID, "u2")
	require.NoError(t, err)
	drain(observer)

	require.ErrorIs(t, g.ExplicitLogout(ctx, c.ID, "u2"), models.ErrAuthorization)
	require.Empty(t, drain(observer))

	require.NoError(t, g.ExplicitLogout(ctx, c.ID, "u1"))
	require.Equal(t, []models.ServerMessage{
		models.NewPresenceChanged(models.PresenceChanged{UserID: "u1", LastSeen: testNow.Unix()}),
	}, drain(observer))

	_, err = g.SendDirect(ctx, c.ID, "u2", models.Content{Type: models.ContentTypeText, Text: "hi"})
	require.ErrorIs(t, err, models.ErrAuthorization)
	require.Empty(t, g.router.Joined(c.ID))

	// The transport stays usable for a new identity.
	require.NoError(t, g.Announce(ctx, c.ID, "u1"))
	require.Len(t, drain(observer), 1)
}

func TestDisconnect_Idempotent(t *testing.T) {
	store := newStore(t)
	g := newGateway(t, storeConfig(store))
	ctx := context.Background()

	c1 := announced(t, g, "u1")
	partner := announced(t, g, "u3")
	observer := announced(t, g, "u2")

	_, err := g.JoinCommunity(c1.ID, "c1")
	require.NoError(t, err)
	_, err = g.EnqueueMatch(c1.ID)
	require.NoError(t, err)
	state, err := g.EnqueueMatch(partner.ID)
	require.NoError(t, err)
	require.Equal(t, match.Matched, state)
	drain(partner)
	drain(observer)

	g.Disconnect(ctx, c1.ID)
	g.Disconnect(ctx, c1.ID)

	offline := models.NewPresenceChanged(models.PresenceChanged{UserID: "u1", LastSeen: testNow.Unix()})
	require.Equal(t, []models.ServerMessage{offline}, drain(observer))

	partnerEvents := drain(partner)
	require.Len(t, ofType(partnerEvents, models.ServerMessageTypePartnerLeft), 1)
	require.Len(t, ofType(partnerEvents, models.ServerMessageTypePresenceChanged), 1)
	require.Equal(t, match.Idle, g.matcher.State(partner.ID))

	// Events queued before the disconnect are still buffered; past them the
	// outbox reports closed.
	drain(c1)
	select {
	case _, ok := <-c1.Outbox():
		require.False(t, ok, "outbox is closed")
	case <-time.After(time.Second):
		t.Fatal("outbox was not closed")
	}

	stats := g.Stats()
	require.Equal(t, Stats{Connections: 2, OnlineUsers: 2}, stats)

	u, err := store.FindUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, models.Presence{Online: false, LastSeen: testNow.Unix()}, u.Presence)
}

func TestDisconnect_LastConnection(t *testing.T) {
	g := newGateway(t, storeConfig(newStore(t)))
	ctx := context.Background()

	observer := g.Connect()
	first := announced(t, g, "u1")
	second := announced(t, g, "u1")
	drain(observer)

	g.Disconnect(ctx, first.ID)
	require.Empty(t, drain(observer), "user still has a connection")

	g.Disconnect(ctx, second.ID)
	require.Len(t, drain(observer), 1)

	// Unannounced connections leave without presence events.
	anon := g.Connect()
	g.Disconnect(ctx, anon.ID)
	require.Empty(t, drain(observer))
}

func TestConnections(t *testing.T) {
	g := newGateway(t, storeConfig(newStore(t)))
	ctx := context.Background()

	first := announced(t, g, "u1")
	second := announced(t, g, "u1")
	announced(t, g, "u2")
	g.Connect()

	conns := g.Connections("u1")
	require.Len(t, conns, 2)
	ids := []string{conns[0].ID, conns[1].ID}
	require.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	require.LessOrEqual(t, conns[0].ConnectedAt, conns[1].ConnectedAt)
	require.Equal(t, first.ConnectedAt.Unix(), conns[indexOf(ids, first.ID)].ConnectedAt)

	g.Disconnect(ctx, first.ID)
	require.Equal(t, []ConnectionInfo{{ID: second.ID, ConnectedAt: second.ConnectedAt.Unix()}}, g.Connections("u1"))

	require.Empty(t, g.Connections("nobody"))
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestCommandsNeedIdentity(t *testing.T) {
	g := newGateway(t, storeConfig(newStore(t)))
	ctx := context.Background()
	c := g.Connect()

	_, err := g.JoinDirect(c.ID, "u2")
	require.ErrorIs(t, err, models.ErrAuthorization)
	_, err = g.JoinCommunity(c.ID, "c1")
	require.ErrorIs(t, err, models.ErrAuthorization)
	_, err = g.SendCommunity(ctx, c.ID, "c1", models.Content{Type: models.ContentTypeText, Text: "hi"})
	require.ErrorIs(t, err, models.ErrAuthorization)
	require.ErrorIs(t, g.DeleteCommunityMessage(ctx, c.ID, "m"), models.ErrAuthorization)
	_, err = g.History(ctx, c.ID, models.HistoryRequest{PeerID: "u2"})
	require.ErrorIs(t, err, models.ErrAuthorization)
	_, err = g.EnqueueMatch(c.ID)
	require.ErrorIs(t, err, models.ErrAuthorization)
}

func TestDirectChat(t *testing.T) {
	store := newStore(t)
	users := &countingUsers{UserFinder: store}
	cfg := storeConfig(store)
	cfg.Users = users
	g := newGateway(t, cfg)
	ctx := context.Background()

	alice := announced(t, g, "u1")
	bob := announced(t, g, "u2")
	for _, c := range []*registry.Conn{alice, bob} {
		drain(c)
	}

	roomID, err := g.JoinDirect(alice.ID, "u2")
	require.NoError(t, err)
	require.Equal(t, roomid.Direct("u1", "u2"), roomID)
	_, err = g.JoinDirect(bob.ID, "u1")
	require.NoError(t, err)

	for _, text := range []string{"hello *bob*", "again"} {
		_, err := g.SendDirect(ctx, alice.ID, "u2", models.Content{Type: models.ContentTypeText, Text: text})
		require.NoError(t, err)
	}

	got := drain(bob)
	require.Len(t, got, 2)
	first := got[0].Data.(models.Message)
	require.Equal(t, models.ServerMessageTypeMessageReceived, got[0].Type)
	require.Equal(t, "Alice", first.SenderName)
	require.Equal(t, "<p>hello <em>bob</em></p>", first.HTML)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, int64(2), got[1].Data.(models.Message).Seq)
	require.Len(t, drain(alice), 2)

	require.Equal(t, int32(1), users.calls.Load(), "display names are cached")

	hist, err := g.History(ctx, bob.ID, models.HistoryRequest{PeerID: "u1", Since: 1})
	require.NoError(t, err)
	require.Len(t, hist.Messages, 1)
	require.Equal(t, "again", hist.Messages[0].Content.Text)
}

func TestCommunity_NonMember(t *testing.T) {
	store := newStore(t)
	g := newGateway(t, storeConfig(store))
	ctx := context.Background()

	member := announced(t, g, "u1")
	outsider := announced(t, g, "u2")
	for _, c := range []*registry.Conn{member, outsider} {
		_, err := g.JoinCommunity(c.ID, "c1")
		require.NoError(t, err)
	}
	drain(member)
	drain(outsider)

	_, err := g.SendCommunity(ctx, outsider.ID, "c1", models.Content{Type: models.ContentTypeText, Text: "hi"})
	require.ErrorIs(t, err, models.ErrAuthorization)
	require.Empty(t, drain(member))
	require.Empty(t, drain(outsider))

	msgs, err := store.ListMessages(ctx, roomid.Community("c1"), 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.NotContains(t, g.router.Joined(outsider.ID), roomid.Community("c1"))
}

func TestCommunity_Delete(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.UpsertCommunity(models.Community{ID: "c1", Name: "Cats", Members: []string{"u1", "u2"}}))
	g := newGateway(t, storeConfig(store))
	ctx := context.Background()

	u1 := announced(t, g, "u1")
	u2 := announced(t, g, "u2")
	for _, c := range []*registry.Conn{u1, u2} {
		_, err := g.JoinCommunity(c.ID, "c1")
		require.NoError(t, err)
	}

	msg, err := g.SendCommunity(ctx, u1.ID, "c1", models.Content{Type: models.ContentTypeImage, URL: "https://example.com/cat.png"})
	require.NoError(t, err)
	drain(u1)
	drain(u2)

	require.ErrorIs(t, g.DeleteCommunityMessage(ctx, u2.ID, msg.ID), models.ErrAuthorization)
	require.NoError(t, g.DeleteCommunityMessage(ctx, u1.ID, msg.ID))

	deleted := models.NewMessageDeleted(models.MessageDeleted{MessageID: msg.ID, CommunityID: "c1"})
	require.Equal(t, []models.ServerMessage{deleted}, drain(u1))
	require.Equal(t, []models.ServerMessage{deleted}, drain(u2))

	require.ErrorIs(t, g.DeleteCommunityMessage(ctx, u1.ID, msg.ID), models.ErrNotFound)

	hist, err := g.History(ctx, u2.ID, models.HistoryRequest{CommunityID: "c1"})
	require.NoError(t, err)
	require.Empty(t, hist.Messages)
}

func TestSignal(t *testing.T) {
	g := newGateway(t, storeConfig(newStore(t)))

	x := announced(t, g, "u1")
	y := announced(t, g, "u2")
	_, err := g.EnqueueMatch(x.ID)
	require.NoError(t, err)
	_, err = g.EnqueueMatch(y.ID)
	require.NoError(t, err)
	drain(x)

	found := drain(y)
	require.Len(t, found, 1)
	roomID := found[0].Data.(models.MatchFound).RoomID
	require.Equal(t, roomid.Match(x.ID, y.ID), roomID)

	payload := json.RawMessage(`{"sdp":"offer"}`)
	require.True(t, g.Signal(x.ID, roomID, payload))
	require.Equal(t, []models.ServerMessage{
		models.NewSignal(models.Signal{RoomID: roomID, From: x.ID, Payload: payload}),
	}, drain(y))
	require.Empty(t, drain(x))

	require.False(t, g.Signal(x.ID, "a#b", payload))
	require.Empty(t, drain(y))

	g.LeaveMatch(y.ID)
	require.Len(t, ofType(drain(x), models.ServerMessageTypePartnerLeft), 1)
	require.False(t, g.Signal(x.ID, roomID, payload))
}

func TestPresenceStoreFailure(t *testing.T) {
	store := newStore(t)
	cfg := storeConfig(store)
	cfg.Presence = brokenPresence{}
	g := newGateway(t, cfg)

	observer := g.Connect()
	c := announced(t, g, "u1")
	g.Disconnect(context.Background(), c.ID)

	events := drain(observer)
	require.Len(t, events, 2, "store failures do not stop the broadcast")
}
