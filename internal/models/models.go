package models

import (
	"errors"
	"sort"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAuthorization    = errors.New("not authorized")
	ErrValidation       = errors.New("invalid request")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorCode maps an error to the code sent to clients in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthorization):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// User represents a user profile as held by the user store.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Presence    Presence `json:"presence"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

// Community is a group conversation with an authoritative member list.
type Community struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (c Community) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Pair is an unordered pair of user ids, stored sorted.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

func NewPair(u1, u2 string) Pair {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return Pair{A: ids[0], B: ids[1]}
}

func (p Pair) Has(userID string) bool {
	return p.A == userID || p.B == userID
}

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
)

// Content is the payload of a chat message. Text messages carry Text,
// image and file messages carry URL and an optional display Name.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
	Name string      `json:"name,omitempty"`
}

type ConversationKind string

const (
	ConversationDirect    ConversationKind = "direct"
	ConversationCommunity ConversationKind = "community"
)

// Message represents a persisted chat message.
type Message struct {
	ID              string           `json:"id"`
	ConversationKey string           `json:"conversationKey"`
	Kind            ConversationKind `json:"kind"`
	CommunityID     string           `json:"communityId,omitempty"`
	Participants    *Pair            `json:"participants,omitempty"`
	Seq             int64            `json:"seq"`
	SenderID        string           `json:"senderId"`
	SenderName      string           `json:"senderName,omitempty"`
	Content         Content          `json:"content"`
	HTML            string           `json:"html,omitempty"` // Rendered text content, set on delivery only
	CreatedAt       int64            `json:"createdAt"`      // Unix timestamp (seconds)
	Deleted         bool             `json:"deleted,omitempty"`
}
