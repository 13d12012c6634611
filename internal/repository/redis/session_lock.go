package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsession-backend/internal/database"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

const lockKeyPrefix = "call_lock:"

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionLock is a cross-instance per-session lock built on SET NX PX.
// While Redis is degraded it fails open and callers rely on the in-process lock.
type SessionLock struct {
	client        *database.RedisClient
	ttl           time.Duration
	retryInterval time.Duration
}

// NewSessionLock creates a SessionLock. ttl bounds how long a crashed holder blocks the session.
func NewSessionLock(client *database.RedisClient, ttl time.Duration) *SessionLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &SessionLock{
		client:        client,
		ttl:           ttl,
		retryInterval: 25 * time.Millisecond,
	}
}

// Lock acquires the lock for sessionID, polling until ctx is done
func (l *SessionLock) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := lockKeyPrefix + sessionID
	token := uuid.NewString()

	for {
		ok, err := l.client.SafeSetNX(ctx, key, token, l.ttl).Result()
		switch {
		case errors.Is(err, database.ErrRedisDegraded):
			logger.Debug("Redis degraded, skipping distributed session lock",
				zap.String("session_id", sessionID))
			return func() {}, nil
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, apperrors.TransientError("Failed to acquire session lock", err)
		case ok:
			return l.releaser(key, token), nil
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *SessionLock) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.client.SafeRunScript(ctx, releaseScript, []string{key}, token).Err(); err != nil &&
				!errors.Is(err, database.ErrRedisDegraded) {
				logger.Warn("Failed to release session lock; it will expire",
					zap.String("key", key),
					zap.Duration("ttl", l.ttl),
					zap.Error(err))
			}
		})
	}
}
