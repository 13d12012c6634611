package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

// RetryPolicy bounds how often a transient failure is retried
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry is called before each retry. Optional.
	OnRetry func(err error, wait time.Duration)
}

// DefaultRetryPolicy retries three times with a short exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// RetryTransient runs op until it succeeds, fails with a non-transient error,
// or the policy is exhausted. Only TRANSIENT app errors are retried.
func RetryTransient[T any](ctx context.Context, policy RetryPolicy, name string, op func() (T, error)) (T, error) {
	if policy.MaxTries == 0 {
		policy.MaxTries = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil && !apperrors.IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("Retrying transient failure",
				zap.String("operation", name),
				zap.Duration("wait", wait),
				zap.Error(err))
			if policy.OnRetry != nil {
				policy.OnRetry(err, wait)
			}
		}),
	)
}
