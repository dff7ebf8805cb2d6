package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// HeaderIdempotencyKey carries a client chosen key on mutating requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// RedisDeduper stores processed idempotency keys in Redis so all instances
// reject the same mutation twice.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

// Remove deletes a recorded key so a failed mutation may be retried.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}

// Idempotent rejects a request whose Idempotency-Key was already seen with
// 409. Keys are released again when the handler fails. Requests without a
// key, and all requests when dedup is nil, pass through.
func Idempotent(dedup Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderIdempotencyKey)
			if dedup == nil || key == "" {
				return next(c)
			}
			ctx := c.Request().Context()
			user := userID(c)
			added, err := dedup.Add(ctx, user, key)
			if err != nil {
				// redis outage must not block writes
				logger.WithError(err).Warn("idempotency check failed")
				return next(c)
			}
			if !added {
				return c.JSON(http.StatusConflict, errorBody{Error: "duplicate request"})
			}
			err = next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				if rerr := dedup.Remove(context.WithoutCancel(ctx), user, key); rerr != nil {
					logger.WithError(rerr).Warn("failed to release idempotency key")
				}
			}
			return err
		}
	}
}
