package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"mailsync/utils"
)

// SyncStartLimiter limits how often a user may hit POST /sync/start.
// Continuation calls bypass it. A nil client keeps counters in memory.
func SyncStartLimiter(perMinute int, client *redis.Client) fiber.Handler {
	cfg := limiter.Config{
		Max:        perMinute,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			claims := ClaimsFrom(c)
			return claims != nil && claims.Continuation
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			if claims := ClaimsFrom(c); claims != nil && claims.UserID != "" {
				return "sync_start:" + claims.UserID
			}
			return "sync_start:ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			fields := map[string]interface{}{
				"endpoint":   c.Path(),
				"ip":         c.IP(),
				"user_agent": c.Get("User-Agent"),
			}
			if claims := ClaimsFrom(c); claims != nil {
				fields["user_id"] = claims.UserID
			}
			utils.LogEvent("rate_limit_hit", fields)

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many sync requests. Please wait before trying again.",
				"retry_after": "1 minute",
			})
		},
	}
	if client != nil {
		cfg.Storage = NewRedisStorage(client)
	}
	return limiter.New(cfg)
}

// RedisStorage implements fiber.Storage for Redis
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	return r.client.Set(context.Background(), key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

func (r *RedisStorage) Reset() error {
	return r.client.FlushDB(context.Background()).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
