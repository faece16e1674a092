package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/response"
)

// Counter increments a windowed counter and reports the new value.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounter is a fixed-window counter shared by every server instance.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter creates a new RedisCounter.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr bumps key and sets its TTL on first use.
func (r *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RateLimiter limits requests per client IP in fixed windows.
type RateLimiter struct {
	counter Counter
	limit   int
	window  time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewRateLimiter creates a RateLimiter allowing limit requests per window.
func NewRateLimiter(counter Counter, limit int, window time.Duration, log zerolog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		counter: counter,
		limit:   limit,
		window:  window,
		now:     time.Now,
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
}

// Middleware returns a Gin middleware that rate-limits requests by IP.
// If the counter store is down the request is let through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}

		now := rl.now()
		window := now.UnixNano() / int64(rl.window)
		key := config.CacheKey.ClaimRateKey(c.ClientIP(), window)

		n, err := rl.counter.Incr(c.Request.Context(), key, rl.window)
		if err != nil {
			rl.log.Warn().Err(err).Msg("Rate limit counter unavailable")
			c.Next()
			return
		}

		remaining := int64(rl.limit) - n
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if n > int64(rl.limit) {
			reset := time.Unix(0, (window+1)*int64(rl.window)).Sub(now)
			c.Header("Retry-After", strconv.Itoa(int(reset.Seconds())+1))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
