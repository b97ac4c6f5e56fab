package models

import (
	"encoding/json"
	"fmt"
)

type ClientMessageType string

const (
	ClientMessageTypeAnnounce               ClientMessageType = "announce"
	ClientMessageTypeExplicitLogout         ClientMessageType = "explicitLogout"
	ClientMessageTypeJoinDirect             ClientMessageType = "joinDirect"
	ClientMessageTypeSendDirect             ClientMessageType = "sendDirect"
	ClientMessageTypeJoinCommunity          ClientMessageType = "joinCommunity"
	ClientMessageTypeSendCommunity          ClientMessageType = "sendCommunity"
	ClientMessageTypeDeleteCommunityMessage ClientMessageType = "deleteCommunityMessage"
	ClientMessageTypeEnqueueMatch           ClientMessageType = "enqueueMatch"
	ClientMessageTypeLeaveMatch             ClientMessageType = "leaveMatch"
	ClientMessageTypeSignal                 ClientMessageType = "signal"
	ClientMessageTypeHistory                ClientMessageType = "history"
)

// ClientMessage is the envelope of every frame sent by a client.
// Data holds one of the *Request types below, selected by Type.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`
	Data json.RawMessage   `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (m ClientMessage) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrValidation, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s: %v", ErrValidation, m.Type, err)
	}
	return nil
}

type AnnounceRequest struct {
	UserID string `json:"userId"`
}

type LogoutRequest struct {
	UserID string `json:"userId"`
}

type JoinDirectRequest struct {
	PeerID string `json:"peerId"`
}

type SendDirectRequest struct {
	PeerID  string  `json:"peerId"`
	Content Content `json:"content"`
}

type JoinCommunityRequest struct {
	CommunityID string `json:"communityId"`
}

type SendCommunityRequest struct {
	CommunityID string  `json:"communityId"`
	Content     Content `json:"content"`
}

type DeleteMessageRequest struct {
	MessageID string `json:"messageId"`
}

type SignalRequest struct {
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

// HistoryRequest asks for a direct conversation (PeerID) or a community
// conversation (CommunityID) starting after sequence number Since.
type HistoryRequest struct {
	PeerID      string `json:"peerId,omitempty"`
	CommunityID string `json:"communityId,omitempty"`
	Since       int64  `json:"since,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypePresenceChanged          ServerMessageType = "presenceChanged"
	ServerMessageTypeMessageReceived          ServerMessageType = "messageReceived"
	ServerMessageTypeCommunityMessageReceived ServerMessageType = "communityMessageReceived"
	ServerMessageTypeMessageDeleted           ServerMessageType = "messageDeleted"
	ServerMessageTypeMatchFound               ServerMessageType = "matchFound"
	ServerMessageTypePartnerLeft              ServerMessageType = "partnerLeft"
	ServerMessageTypeSignal                   ServerMessageType = "signal"
	ServerMessageTypeHistory                  ServerMessageType = "history"
	ServerMessageTypeError                    ServerMessageType = "error"
)

// ServerMessage is the envelope of every frame sent to a client.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`
	Data any               `json:"data,omitempty"`
}

type PresenceChanged struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type MessageDeleted struct {
	MessageID   string `json:"messageId"`
	CommunityID string `json:"communityId"`
}

type MatchFound struct {
	RoomID    string `json:"roomId"`
	PartnerID string `json:"partnerId"`
}

type PartnerLeft struct {
	RoomID string `json:"roomId"`
}

type Signal struct {
	RoomID  string          `json:"roomId"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type History struct {
	ConversationKey string    `json:"conversationKey"`
	Messages        []Message `json:"messages"`
}

type Error struct {
	Code    string            `json:"code"`
	Command ClientMessageType `json:"command,omitempty"`
	Message string            `json:"message"`
}

func NewPresenceChanged(p PresenceChanged) ServerMessage {
	return ServerMessage{Type: ServerMessageTypePresenceChanged, Data: p}
}

func NewMessageReceived(m Message) ServerMessage {
	if m.Kind == ConversationCommunity {
		return ServerMessage{Type: ServerMessageTypeCommunityMessageReceived, Data: m}
	}
	return ServerMessage{Type: ServerMessageTypeMessageReceived, Data: m}
}

func NewMessageDeleted(d MessageDeleted) ServerMessage {
	return ServerMessage{Type: ServerMessageTypeMessageDeleted, Data: d}
}

func NewMatchFound(f MatchFound) ServerMessage {
	return ServerMessage{Type: ServerMessageTypeMatchFound, Data: f}
}

func NewPartnerLeft(roomID string) ServerMessage {
	return ServerMessage{Type: ServerMessageTypePartnerLeft, Data: PartnerLeft{RoomID: roomID}}
}

func NewSignal(s Signal) ServerMessage {
	return ServerMessage{Type: ServerMessageTypeSignal, Data: s}
}

func NewHistory(h History) ServerMessage {
	return ServerMessage{Type: ServerMessageTypeHistory, Data: h}
}

// NewError builds an error event for the connection that issued cmd.
func NewError(cmd ClientMessageType, err error) ServerMessage {
	return ServerMessage{
		Type: ServerMessageTypeError,
		Data: Error{
			Code:    ErrorCode(err),
			Command: cmd,
			Message: err.Error(),
		},
	}
}
