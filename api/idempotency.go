package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	maxIdempotencyKeySize = 128
	DefaultIdempotencyTTL = 24 * time.Hour
)

// RedisDeduper stores idempotency keys in Redis so all instances agree on
// which requests were already accepted.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
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

// Remove deletes a previously recorded key so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}

// Idempotent rejects a repeated Idempotency-Key from the same account with
// 409. Requests without the header pass through. A key whose request ended
// in a server error is released. Must run after RequireAuth.
func Idempotent(deduper Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
			if key == "" || deduper == nil {
				return next(c)
			}
			if len(key) > maxIdempotencyKeySize {
				markErrorStage(c, "idempotency")
				return echo.NewHTTPError(http.StatusBadRequest, "idempotency key too long")
			}
			userID := userIDFrom(c)
			ctx := c.Request().Context()

			added, err := deduper.Add(ctx, userID, key)
			if err != nil {
				// Redis being down must not block writes.
				logger.WithError(err).Warn("idempotency check failed")
				return next(c)
			}
			if !added {
				markErrorStage(c, "idempotency")
				return echo.NewHTTPError(http.StatusConflict, "duplicate request")
			}

			err = next(c)
			status := c.Response().Status
			if err != nil {
				status = statusFor(err)
			}
			if status >= http.StatusInternalServerError {
				if rerr := deduper.Remove(context.WithoutCancel(ctx), userID, key); rerr != nil {
					logger.WithError(rerr).WithField("key", key).Warn("release idempotency key")
				}
			}
			return err
		}
	}
}
