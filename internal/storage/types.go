package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Online      bool   `msgpack:"online"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBCommunity struct {
	ID      string   `msgpack:"id"`
	Name    string   `msgpack:"name"`
	Members []string `msgpack:"members"`
}

func (c *DBCommunity) Key() []byte {
	return []byte(c.ID)
}

func (c *DBCommunity) MarshalBinary() (data []byte, err error) {
	type alias DBCommunity
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCommunity) UnmarshalBinary(data []byte) error {
	type alias DBCommunity
	return msgpack.Unmarshal(data, (*alias)(c))
}

// DBConversation is created on the first message of a direct pair or a
// community and tracks the last assigned sequence number.
type DBConversation struct {
	ID           string   `msgpack:"id"`
	Kind         string   `msgpack:"kind"`
	CommunityID  string   `msgpack:"communityId"`
	Participants []string `msgpack:"participants"`
	LastSeq      int64    `msgpack:"lastSeq"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID              string    `msgpack:"id"`
	Seq             int64     `msgpack:"seq"`
	ConversationKey string    `msgpack:"conversationKey"`
	SenderID        string    `msgpack:"senderId"`
	Content         DBContent `msgpack:"content"`
	CreatedAt       int64     `msgpack:"createdAt"`
	Deleted         bool      `msgpack:"deleted"`
}

type DBContent struct {
	Type string `msgpack:"type"`
	Text string `msgpack:"text"`
	URL  string `msgpack:"url"`
	Name string `msgpack:"name"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by id inside its conversation bucket.
type DBMessageRef struct {
	ID              string `msgpack:"id"`
	ConversationKey string `msgpack:"conversationKey"`
	Seq             int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
