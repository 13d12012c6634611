package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

// ErrRedisDegraded is returned by Safe* calls while Redis is unreachable
var ErrRedisDegraded = errors.New("redis is in degraded mode")

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps Redis client with degraded mode support
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	metrics        *metrics.Metrics
}

// NewRedisDB creates a new Redis client from config with degraded mode support
func NewRedisDB(cfg *RedisConfig, m *metrics.Metrics) *RedisClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{
		Client:  client,
		metrics: m,
	}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck starts a background goroutine that periodically checks Redis health
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Debug("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

// setDegradedState sets the degraded mode state and updates metrics
func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode != degraded {
		r.degradedMode = degraded
		r.metrics.SetRedisDegraded(degraded)
		if degraded {
			logger.Warn("Redis unavailable, entering degraded mode")
		} else {
			logger.Info("Redis available again, leaving degraded mode")
		}
	}
}

// HealthCheck performs a health check on Redis and updates degraded mode
// It uses a mutex to prevent concurrent health checks from overwhelming Redis
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := r.Client.Ping(healthCtx).Err()
	r.metrics.RecordRedisCommand("ping", err)
	if err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	return nil
}

// SafeExists performs an EXISTS operation with degraded mode handling
func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	cmd := r.Client.Exists(ctx, keys...)
	r.metrics.RecordRedisCommand("exists", cmd.Err())
	return cmd
}

// SafeSetNX performs a SET NX PX operation with degraded mode handling
func (r *RedisClient) SafeSetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if r.IsDegraded() {
		return redis.NewBoolResult(false, ErrRedisDegraded)
	}
	cmd := r.Client.SetNX(ctx, key, value, expiration)
	r.metrics.RecordRedisCommand("setnx", cmd.Err())
	return cmd
}

// SafeRunScript runs a Lua script with degraded mode handling
func (r *RedisClient) SafeRunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	if r.IsDegraded() {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(ErrRedisDegraded)
		return cmd
	}
	cmd := script.Run(ctx, r.Client, keys, args...)
	r.metrics.RecordRedisCommand("evalsha", cmd.Err())
	return cmd
}

// SafeIncrWindow increments a fixed-window counter, starting its TTL on the first hit
func (r *RedisClient) SafeIncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if r.IsDegraded() {
		return 0, ErrRedisDegraded
	}
	count, err := r.Client.Incr(ctx, key).Result()
	r.metrics.RecordRedisCommand("incr", err)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		err = r.Client.PExpire(ctx, key, window).Err()
		r.metrics.RecordRedisCommand("pexpire", err)
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// SafeAppendList pushes value onto a capped list and refreshes its TTL in one round trip
func (r *RedisClient) SafeAppendList(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error {
	if r.IsDegraded() {
		return ErrRedisDegraded
	}
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, maxLen-1)
		}
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	r.metrics.RecordRedisCommand("lpush", err)
	return err
}
