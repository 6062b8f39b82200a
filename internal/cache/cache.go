// cache — необязательный Redis-кэш состояния refresh-токенов по fingerprint.
//
// Кэш никогда не авторизует сам: положительный путь ротации всегда идёт
// через PostgreSQL с compare-and-swap. Кэш лишь дешёво отсекает заведомо
// отозванные/просроченные fingerprint'ы до похода в БД.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RefreshEntry описывает данные, которые мы храним в Redis по fingerprint.
type RefreshEntry struct {
	TokenID   uuid.UUID
	UserID    uuid.UUID
	Revoked   bool
	ExpiresAt time.Time
}

// RefreshCache — минимальный контракт кэша refresh-токенов.
type RefreshCache interface {
	// Get возвращает запись и признак её наличия в кэше.
	Get(ctx context.Context, fingerprint string) (*RefreshEntry, bool, error)
	// Set сохраняет запись с TTL (обычно ExpiresAt-now).
	Set(ctx context.Context, fingerprint string, e *RefreshEntry, ttl time.Duration) error
	// MarkRevoked помечает ключ rev=1, сохраняя остаточный TTL.
	MarkRevoked(ctx context.Context, fingerprint string) error
	// Close закрывает клиент Redis.
	Close() error
}

type redisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache создаёт клиент Redis из URL (например, redis://:pass@host:6379/0).
// Если prefix пустой — используется "auth:rt:".
func NewRedisCache(redisURL, prefix string) (RefreshCache, error) {
	if prefix == "" {
		prefix = "auth:rt:"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &redisCache{rdb: rdb, prefix: prefix}, nil
}

func (c *redisCache) key(fingerprint string) string { return c.prefix + fingerprint }

// Храним как Redis Hash с полями: id, uid, rev (0/1), exp (unix).
func (c *redisCache) Get(ctx context.Context, fingerprint string) (*RefreshEntry, bool, error) {
	m, err := c.rdb.HGetAll(ctx, c.key(fingerprint)).Result()
	if err != nil {
		return nil, false, err
	}

	if len(m) == 0 {
		return nil, false, nil
	}

	tid, err := uuid.Parse(m["id"])
	if err != nil {
		return nil, false, err
	}

	uid, err := uuid.Parse(m["uid"])
	if err != nil {
		return nil, false, err
	}
	rev := m["rev"] == "1"

	expUnix, err := strconv.ParseInt(m["exp"], 10, 64)
	if err != nil {
		return nil, false, err
	}

	return &RefreshEntry{
		TokenID:   tid,
		UserID:    uid,
		Revoked:   rev,
		ExpiresAt: time.Unix(expUnix, 0).UTC(),
	}, true, nil
}

func (c *redisCache) Set(ctx context.Context, fingerprint string, e *RefreshEntry, ttl time.Duration) error {
	kv := map[string]string{
		"id":  e.TokenID.String(),
		"uid": e.UserID.String(),
		"rev": boolTo01(e.Revoked),
		"exp": strconv.FormatInt(e.ExpiresAt.Unix(), 10),
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.key(fingerprint), kv)
	pipe.Expire(ctx, c.key(fingerprint), ttl)

	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisCache) MarkRevoked(ctx context.Context, fingerprint string) error {
	return c.rdb.HSet(ctx, c.key(fingerprint), "rev", "1").Err()
}

func (c *redisCache) Close() error { return c.rdb.Close() }

func boolTo01(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
