package middleware

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"secureconnect-calls/internal/database"
	appJWT "secureconnect-calls/pkg/jwt"
)

// RedisRevocationChecker reads the token blacklist kept in Redis by the auth service
type RedisRevocationChecker struct {
	redis *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{redis: client}
}

// IsTokenRevoked checks if the token's jti is blacklisted
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	// Signature was validated by the middleware already.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &appJWT.Claims{})
	if err != nil {
		return false, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*appJWT.Claims)
	if !ok {
		return false, fmt.Errorf("invalid claims")
	}
	if claims.ID == "" {
		return false, nil
	}

	exists, err := c.redis.SafeExists(ctx, "blacklist:"+claims.ID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}
	return exists > 0, nil
}
