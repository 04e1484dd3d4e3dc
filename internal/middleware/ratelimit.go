package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"secureconnect-calls/internal/database"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/response"
)

// RateLimiter is a fixed-window Redis rate limiter keyed by user, or by
// client IP before authentication.
type RateLimiter struct {
	redis    *database.RedisClient
	requests int
	window   time.Duration
}

// NewRateLimiter allows requests per window for each caller
func NewRateLimiter(client *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    client,
		requests: requests,
		window:   window,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID
		}

		count, resetAt, err := rl.hit(c.Request.Context(), identifier)
		if err != nil {
			// Fail open while Redis is unavailable.
			logger.Debug("Rate limit check skipped", zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if int(count) > rl.requests {
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// hit counts one request in the current window and returns the window's
// count and its reset time in unix seconds.
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int64, int64, error) {
	now := time.Now()
	windowStart := now.Truncate(rl.window)
	key := fmt.Sprintf("ratelimit:%s:%d", identifier, windowStart.Unix())

	var incr *redis.IntCmd
	err := rl.redis.SafeTxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.window)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count request: %w", err)
	}
	return incr.Val(), windowStart.Add(rl.window).Unix(), nil
}
