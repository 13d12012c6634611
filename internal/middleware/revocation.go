package middleware

import (
	"context"
	"fmt"

	"callsession-backend/internal/database"
	"callsession-backend/pkg/jwt"
)

const blacklistPrefix = "blacklist:"

// RedisRevocationChecker implements RevocationChecker against the identity
// provider's Redis blacklist (blacklist:<jti>)
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a token is in the Redis blacklist.
// While Redis is degraded it returns database.ErrRedisDegraded.
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	// signature was validated by the middleware already
	jti, err := jwt.TokenID(tokenString)
	if err != nil {
		return false, err
	}
	if jti == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, blacklistPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
