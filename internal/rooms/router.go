// Package rooms routes chat messages into direct and community rooms and
// fans them out to the connections joined to each room.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/roomid"
)

// MessageStore persists conversations. Implementations return errors
// wrapping models.ErrNotFound for missing messages.
type MessageStore interface {
	AppendDirectMessage(ctx context.Context, pair models.Pair, senderID string, c models.Content) (models.Message, error)
	AppendCommunityMessage(ctx context.Context, communityID, senderID string, c models.Content) (models.Message, error)
	ListMessages(ctx context.Context, conversationKey string, since int64) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// MembershipChecker answers community membership; it is authoritative.
type MembershipChecker interface {
	IsMember(ctx context.Context, communityID, userID string) (bool, error)
}

type Deliverer interface {
	Send(connID string, msg models.ServerMessage) bool
}

type Config struct {
	Messages MessageStore
	Members  MembershipChecker
	Deliver  Deliverer
	// SenderName resolves a display name attached to delivered messages.
	// Optional.
	SenderName func(ctx context.Context, userID string) string
}

type Router struct {
	messages   MessageStore
	members    MembershipChecker
	deliver    Deliverer
	senderName func(ctx context.Context, userID string) string

	rooms  map[string]*Room               // room id -> room
	joined map[string]map[string]struct{} // conn id -> room ids

	mu sync.Mutex
}

func New(cfg Config) *Router {
	return &Router{
		messages:   cfg.Messages,
		members:    cfg.Members,
		deliver:    cfg.Deliver,
		senderName: cfg.SenderName,
		rooms:      make(map[string]*Room),
		joined:     make(map[string]map[string]struct{}),
	}
}

// JoinDirect joins the connection to the 1:1 room of selfID and peerID and
// returns the room id. Any identified user may open a room with any other.
func (rt *Router) JoinDirect(connID, selfID, peerID string) (string, error) {
	if err := content.ValidateID("peer id", peerID); err != nil {
		return "", err
	}
	roomID := roomid.Direct(selfID, peerID)
	rt.join(connID, roomID)
	return roomID, nil
}

// JoinCommunity joins the connection to a community room without checking
// membership; the first send by a non-member revokes the join.
func (rt *Router) JoinCommunity(connID, communityID string) (string, error) {
	if err := content.ValidateID("community id", communityID); err != nil {
		return "", err
	}
	roomID := roomid.Community(communityID)
	rt.join(connID, roomID)
	return roomID, nil
}

// SendDirect persists a message in the conversation of the unordered pair
// and emits it to every connection joined to the direct room.
func (rt *Router) SendDirect(ctx context.Context, selfID, peerID string, c models.Content) (models.Message, error) {
	if err := content.ValidateID("peer id", peerID); err != nil {
		return models.Message{}, err
	}
	if err := content.Validate(c); err != nil {
		return models.Message{}, err
	}
	c = content.Normalize(c)
	name := rt.nameOf(ctx, selfID)

	room := rt.acquire(roomid.Direct(selfID, peerID))
	defer rt.release(room)

	room.seq.Lock()
	defer room.seq.Unlock()

	msg, err := rt.messages.AppendDirectMessage(ctx, models.NewPair(selfID, peerID), selfID, c)
	if err != nil {
		return models.Message{}, storeError("append direct message", err)
	}
	msg = rt.decorate(msg, name)
	room.emit(rt.deliver, models.NewMessageReceived(msg))
	return msg, nil
}

// SendCommunity persists a message in a community conversation if userID is
// a member, then emits it to the community room. A non-member gets
// ErrAuthorization, nothing is stored or emitted, and connID loses its join
// of the room.
func (rt *Router) SendCommunity(ctx context.Context, connID, userID, communityID string, c models.Content) (models.Message, error) {
	if err := content.ValidateID("community id", communityID); err != nil {
		return models.Message{}, err
	}
	if err := content.Validate(c); err != nil {
		return models.Message{}, err
	}
	c = content.Normalize(c)

	roomID := roomid.Community(communityID)
	ok, err := rt.members.IsMember(ctx, communityID, userID)
	if err != nil {
		return models.Message{}, storeError("check membership", err)
	}
	if !ok {
		rt.Leave(connID, roomID)
		return models.Message{}, fmt.Errorf("%w: not a member of community %s", models.ErrAuthorization, communityID)
	}
	name := rt.nameOf(ctx, userID)

	room := rt.acquire(roomID)
	defer rt.release(room)

	room.seq.Lock()
	defer room.seq.Unlock()

	msg, err := rt.messages.AppendCommunityMessage(ctx, communityID, userID, c)
	if err != nil {
		return models.Message{}, storeError("append community message", err)
	}
	msg = rt.decorate(msg, name)
	room.emit(rt.deliver, models.NewMessageReceived(msg))
	return msg, nil
}

// DeleteCommunityMessage hard-deletes a community message sent by userID and
// emits exactly one messageDeleted event to the community room.
func (rt *Router) DeleteCommunityMessage(ctx context.Context, userID, messageID string) error {
	if err := content.ValidateID("message id", messageID); err != nil {
		return err
	}

	msg, err := rt.messages.GetMessage(ctx, messageID)
	if err != nil {
		return storeError("get message", err)
	}
	if msg.Kind != models.ConversationCommunity {
		return fmt.Errorf("community message %s: %w", messageID, models.ErrNotFound)
	}
	if msg.SenderID != userID {
		return fmt.Errorf("%w: only the sender may delete a message", models.ErrAuthorization)
	}

	room := rt.acquire(roomid.Community(msg.CommunityID))
	defer rt.release(room)

	room.seq.Lock()
	defer room.seq.Unlock()

	// A concurrent delete of the same message reports not found here.
	if err := rt.messages.DeleteMessage(ctx, messageID); err != nil {
		return storeError("delete message", err)
	}
	room.emit(rt.deliver, models.NewMessageDeleted(models.MessageDeleted{
		MessageID:   messageID,
		CommunityID: msg.CommunityID,
	}))
	return nil
}

// History lists a conversation after sequence number since. Direct history
// is limited to the caller's own pairs and community history to members.
func (rt *Router) History(ctx context.Context, userID string, req models.HistoryRequest) (models.History, error) {
	if req.Since < 0 {
		return models.History{}, fmt.Errorf("%w: since must not be negative", models.ErrValidation)
	}

	var key string
	switch {
	case req.PeerID != "" && req.CommunityID != "":
		return models.History{}, fmt.Errorf("%w: history needs either peerId or communityId", models.ErrValidation)
	case req.PeerID != "":
		if err := content.ValidateID("peer id", req.PeerID); err != nil {
			return models.History{}, err
		}
		key = roomid.Direct(userID, req.PeerID)
	case req.CommunityID != "":
		if err := content.ValidateID("community id", req.CommunityID); err != nil {
			return models.History{}, err
		}
		ok, err := rt.members.IsMember(ctx, req.CommunityID, userID)
		if err != nil {
			return models.History{}, storeError("check membership", err)
		}
		if !ok {
			return models.History{}, fmt.Errorf("%w: not a member of community %s", models.ErrAuthorization, req.CommunityID)
		}
		key = roomid.Community(req.CommunityID)
	default:
		return models.History{}, fmt.Errorf("%w: history needs peerId or communityId", models.ErrValidation)
	}

	msgs, err := rt.messages.ListMessages(ctx, key, req.Since)
	if err != nil {
		return models.History{}, storeError("list messages", err)
	}

	names := make(map[string]string)
	for i := range msgs {
		name, ok := names[msgs[i].SenderID]
		if !ok {
			name = rt.nameOf(ctx, msgs[i].SenderID)
			names[msgs[i].SenderID] = name
		}
		msgs[i] = rt.decorate(msgs[i], name)
	}
	return models.History{ConversationKey: key, Messages: msgs}, nil
}

// Leave removes the connection from one room.
func (rt *Router) Leave(connID, roomID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rooms := rt.joined[connID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(rt.joined, connID)
		}
	}
	if room, ok := rt.rooms[roomID]; ok {
		room.Leave(connID)
		rt.dropIfUnusedLocked(room)
	}
}

// LeaveAll removes the connection from every room it joined.
func (rt *Router) LeaveAll(connID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for roomID := range rt.joined[connID] {
		if room, ok := rt.rooms[roomID]; ok {
			room.Leave(connID)
			rt.dropIfUnusedLocked(room)
		}
	}
	delete(rt.joined, connID)
}

// Joined returns the room ids the connection is joined to.
func (rt *Router) Joined(connID string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.joined[connID]))
	for id := range rt.joined[connID] {
		out = append(out, id)
	}
	return out
}

// Len returns the number of rooms with members or in-flight sends.
func (rt *Router) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.rooms)
}

func (rt *Router) join(connID, roomID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	room, ok := rt.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		rt.rooms[roomID] = room
	}
	room.Join(connID)

	rooms := rt.joined[connID]
	if rooms == nil {
		rooms = make(map[string]struct{})
		rt.joined[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// acquire returns the room for roomID, creating it if needed, and pins it
// until release so a send keeps its sequencing lock even if every member
// leaves meanwhile.
func (rt *Router) acquire(roomID string) *Room {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	room, ok := rt.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		rt.rooms[roomID] = room
	}
	room.refs++
	return room
}

func (rt *Router) release(room *Room) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	room.refs--
	rt.dropIfUnusedLocked(room)
}

func (rt *Router) dropIfUnusedLocked(room *Room) {
	if room.refs == 0 && room.Len() == 0 {
		delete(rt.rooms, room.ID)
	}
}

func (rt *Router) nameOf(ctx context.Context, userID string) string {
	if rt.senderName == nil {
		return ""
	}
	return rt.senderName(ctx, userID)
}

func (rt *Router) decorate(msg models.Message, senderName string) models.Message {
	msg.SenderName = senderName
	if msg.Content.Type == models.ContentTypeText {
		html, err := content.Render(msg.Content.Text)
		if err != nil {
			slog.Warn("render failed", "message_id", msg.ID, "error", err)
		} else {
			msg.HTML = html
		}
	}
	return msg
}

// storeError keeps not-found errors and marks everything else as a store
// outage.
func storeError(op string, err error) error {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}
