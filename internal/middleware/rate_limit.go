package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskearn/backend/internal/respond"
)

// Counter increments a fixed-window counter and returns the new count.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter keeps counters in Redis; each key expires with its window.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// nowFn is replaced in tests.
var nowFn = time.Now

// RateLimit allows at most limit requests per caller per window for the named
// action. Callers are keyed by the Identity set by Authenticate. A nil counter
// disables the limit; counter errors let the request through.
func RateLimit(c Counter, action string, limit int, window time.Duration, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromCtx(r.Context())
			if c == nil || id == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			now := nowFn()
			bucket := now.Unix() / int64(window.Seconds())
			key := fmt.Sprintf("ratelimit:%s:%s:%d", action, id.UserID, bucket)
			n, err := c.Incr(r.Context(), key, window)
			if err != nil {
				log.Warn("rate limit counter unavailable", "error", err, "action", action)
				next.ServeHTTP(w, r)
				return
			}
			if n > int64(limit) {
				reset := time.Unix((bucket+1)*int64(window.Seconds()), 0)
				w.Header().Set("Retry-After", strconv.Itoa(int(reset.Sub(now).Seconds())+1))
				respond.Fail(w, http.StatusTooManyRequests, "RATE_LIMITED",
					fmt.Sprintf("limit of %d %s per %s reached", limit, action, window))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
