package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parley/internal/models"
	"parley/internal/roomid"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketCommunities   = []byte("communities")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketCommunities,
			bucketConversations,
			bucketMessages,
			bucketMessageIndex,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a user profile, keeping presence fields untouched for
// existing users.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := DBUser{ID: user.ID}
		if data := b.Get([]byte(user.ID)); data != nil {
			if err := dbUser.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
		}
		dbUser.DisplayName = user.DisplayName
		dbUser.AvatarURL = user.AvatarURL
		return put(b, &dbUser)
	})
}

func (s *BboltStorage) FindUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return dbUser.UnmarshalBinary(data)
	})
	if err != nil {
		return models.User{}, err
	}
	return models.User{
		ID:          dbUser.ID,
		DisplayName: dbUser.DisplayName,
		AvatarURL:   dbUser.AvatarURL,
		Presence: models.Presence{
			Online:   dbUser.Online,
			LastSeen: dbUser.LastSeen,
		},
	}, nil
}

func (s *BboltStorage) SetOnline(ctx context.Context, id string, online bool) error {
	return s.updateUser(ctx, id, func(u *DBUser) {
		u.Online = online
	})
}

func (s *BboltStorage) SetLastSeen(ctx context.Context, id string, at time.Time) error {
	return s.updateUser(ctx, id, func(u *DBUser) {
		u.LastSeen = at.Unix()
	})
}

func (s *BboltStorage) updateUser(ctx context.Context, id string, fn func(u *DBUser)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		fn(&dbUser)
		return put(b, &dbUser)
	})
}

// UpsertCommunity saves a community and its member list.
func (s *BboltStorage) UpsertCommunity(community models.Community) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketCommunities), &DBCommunity{
			ID:      community.ID,
			Name:    community.Name,
			Members: community.Members,
		})
	})
}

func (s *BboltStorage) GetCommunity(ctx context.Context, id string) (models.Community, error) {
	if err := ctx.Err(); err != nil {
		return models.Community{}, err
	}
	var dbCommunity DBCommunity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCommunities).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("community %s: %w", id, models.ErrNotFound)
		}
		return dbCommunity.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Community{}, err
	}
	return models.Community{
		ID:      dbCommunity.ID,
		Name:    dbCommunity.Name,
		Members: dbCommunity.Members,
	}, nil
}

// IsMember reports community membership. Unknown communities have no
// members.
func (s *BboltStorage) IsMember(ctx context.Context, communityID, userID string) (bool, error) {
	community, err := s.GetCommunity(ctx, communityID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return community.HasMember(userID), nil
}

// AppendDirectMessage appends to the conversation of the unordered pair,
// creating it on first use.
func (s *BboltStorage) AppendDirectMessage(ctx context.Context, pair models.Pair, senderID string, c models.Content) (models.Message, error) {
	conv := DBConversation{
		ID:           roomid.Direct(pair.A, pair.B),
		Kind:         string(models.ConversationDirect),
		Participants: []string{pair.A, pair.B},
	}
	return s.appendMessage(ctx, conv, senderID, c)
}

func (s *BboltStorage) AppendCommunityMessage(ctx context.Context, communityID, senderID string, c models.Content) (models.Message, error) {
	conv := DBConversation{
		ID:          roomid.Community(communityID),
		Kind:        string(models.ConversationCommunity),
		CommunityID: communityID,
	}
	return s.appendMessage(ctx, conv, senderID, c)
}

func (s *BboltStorage) appendMessage(ctx context.Context, conv DBConversation, senderID string, c models.Content) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var dbMessage DBMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		// 1. Load or create the conversation and take the next seq.
		convs := tx.Bucket(bucketConversations)
		if data := convs.Get(conv.Key()); data != nil {
			if err := conv.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		}
		conv.LastSeq++

		// 2. Save message
		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(conv.Key())
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage = DBMessage{
			ID:              uuid.NewString(),
			Seq:             conv.LastSeq,
			ConversationKey: conv.ID,
			SenderID:        senderID,
			Content: DBContent{
				Type: string(c.Type),
				Text: c.Text,
				URL:  c.URL,
				Name: c.Name,
			},
			CreatedAt: s.now().Unix(),
		}
		if err := put(chatBucket, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		// 3. Index by id for lookups and deletes
		if err := put(tx.Bucket(bucketMessageIndex), &DBMessageRef{
			ID:              dbMessage.ID,
			ConversationKey: conv.ID,
			Seq:             dbMessage.Seq,
		}); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		return put(convs, &conv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return toMessage(dbMessage, conv), nil
}

// ListMessages returns the messages of a conversation with seq > since, in
// order.
func (s *BboltStorage) ListMessages(ctx context.Context, conversationKey string, since int64) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if since < 0 {
		since = 0
	}

	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationKey))
		if chatBucket == nil {
			return nil // No messages for this conversation
		}
		conv, err := getConversation(tx, conversationKey)
		if err != nil {
			return err
		}

		c := chatBucket.Cursor()
		for k, v := c.Seek(seqKey(since + 1)); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toMessage(dbMsg, conv))
		}
		return nil
	})
	return messages, err
}

func (s *BboltStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		ref, err := getMessageRef(tx, id)
		if err != nil {
			return err
		}
		conv, err := getConversation(tx, ref.ConversationKey)
		if err != nil {
			return err
		}
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationKey))
		if chatBucket == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		data := chatBucket.Get(seqKey(ref.Seq))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		msg = toMessage(dbMsg, conv)
		return nil
	})
	return msg, err
}

// DeleteMessage removes a message permanently. Sequence numbers are not
// reused.
func (s *BboltStorage) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		ref, err := getMessageRef(tx, id)
		if err != nil {
			return err
		}
		if chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationKey)); chatBucket != nil {
			if err := chatBucket.Delete(seqKey(ref.Seq)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMessageIndex).Delete(ref.Key())
	})
}

func getMessageRef(tx *bbolt.Tx, id string) (DBMessageRef, error) {
	var ref DBMessageRef
	data := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if data == nil {
		return ref, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err := ref.UnmarshalBinary(data); err != nil {
		return ref, fmt.Errorf("failed to unmarshal message ref: %w", err)
	}
	return ref, nil
}

func getConversation(tx *bbolt.Tx, key string) (DBConversation, error) {
	var conv DBConversation
	data := tx.Bucket(bucketConversations).Get([]byte(key))
	if data == nil {
		return conv, fmt.Errorf("conversation %s: %w", key, models.ErrNotFound)
	}
	if err := conv.UnmarshalBinary(data); err != nil {
		return conv, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return conv, nil
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func toMessage(m DBMessage, conv DBConversation) models.Message {
	msg := models.Message{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		Kind:            models.ConversationKind(conv.Kind),
		CommunityID:     conv.CommunityID,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		Content: models.Content{
			Type: models.ContentType(m.Content.Type),
			Text: m.Content.Text,
			URL:  m.Content.URL,
			Name: m.Content.Name,
		},
		CreatedAt: m.CreatedAt,
		Deleted:   m.Deleted,
	}
	if len(conv.Participants) == 2 {
		pair := models.NewPair(conv.Participants[0], conv.Participants[1])
		msg.Participants = &pair
	}
	return msg
}
