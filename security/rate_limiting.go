package security

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis *redis.Client
	limit int
}

func NewRateLimiter(redisClient *redis.Client, limit int) *RateLimiter {
	return &RateLimiter{redis: redisClient, limit: limit}
}

// JoinRateLimit caps join attempts per client IP per minute. A joiner
// has no account, so the IP is the only stable handle we have.
func (r *RateLimiter) JoinRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if r.redis == nil || r.limit <= 0 {
			return e.Next()
		}

		ctx := e.Request.Context()
		key := fmt.Sprintf("ratelimit:join:%s", e.RealIP())

		count, err := r.redis.Incr(ctx, key).Result()
		if err != nil {
			// Redis trouble must not take the join path down with it.
			return e.Next()
		}
		if count == 1 {
			r.redis.Expire(ctx, key, time.Minute)
		}
		if count > int64(r.limit) {
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return e.Next()
	}
}
