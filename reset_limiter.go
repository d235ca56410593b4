package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var errResetRateLimited = errors.New("reset rate limited")

// passwordResetLimiter throttles reset requests with fixed windows per
// identifier and per source IP. Both dimensions are optional; an empty IP
// skips the IP window.
type passwordResetLimiter struct {
	redis  redis.UniversalClient
	prefix string
	config PasswordResetConfig
}

func newPasswordResetLimiter(rdb redis.UniversalClient, prefix string, cfg PasswordResetConfig) *passwordResetLimiter {
	return &passwordResetLimiter{
		redis:  rdb,
		prefix: prefix,
		config: cfg,
	}
}

func (l *passwordResetLimiter) CheckRequest(ctx context.Context, identifier, ip string) error {
	if l.config.EnableIdentifierThrottle && identifier != "" {
		if err := l.enforceFixedWindow(ctx, l.prefix+":prl:id:"+identifier); err != nil {
			return err
		}
	}
	if l.config.EnableIPThrottle && ip != "" {
		if err := l.enforceFixedWindow(ctx, l.prefix+":prl:ip:"+ip); err != nil {
			return err
		}
	}
	return nil
}

func (l *passwordResetLimiter) CheckConfirm(ctx context.Context, ip string) error {
	if l.config.EnableIPThrottle && ip != "" {
		return l.enforceFixedWindow(ctx, l.prefix+":prl:cip:"+ip)
	}
	return nil
}

func (l *passwordResetLimiter) enforceFixedWindow(ctx context.Context, key string) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.ThrottleWindow).Err(); err != nil {
			return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
		}
	}

	if count > int64(l.config.ThrottleMaxAttempts) {
		return errResetRateLimited
	}

	return nil
}
