package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"parley/internal/models"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:"

// RedisPresence keeps presence records in Redis hashes, one per user. It is
// used instead of the bbolt user records when REDIS_ADDR is set.
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(ctx context.Context, addr string) (*RedisPresence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisPresence{rdb: rdb}, nil
}

func (p *RedisPresence) Close() error {
	return p.rdb.Close()
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

func (p *RedisPresence) SetOnline(ctx context.Context, userID string, online bool) error {
	return p.rdb.HSet(ctx, presenceKey(userID), "online", strconv.FormatBool(online)).Err()
}

func (p *RedisPresence) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	return p.rdb.HSet(ctx, presenceKey(userID), "lastSeen", at.Unix()).Err()
}

// Presence reads a user's presence record. Users never seen are offline.
func (p *RedisPresence) Presence(ctx context.Context, userID string) (models.Presence, error) {
	fields, err := p.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return models.Presence{}, err
	}
	return parsePresence(fields), nil
}

func parsePresence(fields map[string]string) models.Presence {
	var presence models.Presence
	presence.Online, _ = strconv.ParseBool(fields["online"])
	presence.LastSeen, _ = strconv.ParseInt(fields["lastSeen"], 10, 64)
	return presence
}

type userFinder interface {
	FindUser(ctx context.Context, id string) (models.User, error)
}

type presenceReader interface {
	Presence(ctx context.Context, userID string) (models.Presence, error)
}

// RedisUsers serves profiles from users with the presence held in Redis.
// The presence fields of the profile store go stale once Redis owns them.
type RedisUsers struct {
	users    userFinder
	presence presenceReader
}

func NewRedisUsers(users userFinder, presence presenceReader) *RedisUsers {
	return &RedisUsers{users: users, presence: presence}
}

func (u *RedisUsers) FindUser(ctx context.Context, id string) (models.User, error) {
	user, err := u.users.FindUser(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	presence, err := u.presence.Presence(ctx, id)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: presence of %s: %v", models.ErrStoreUnavailable, id, err)
	}
	user.Presence = presence
	return user, nil
}
