package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/binaryplan/internal/config"
	"go.uber.org/zap"
)

const keyWritePrefix = "binaryplan:ratelimit:write:"

// WriteLimiter throttles mutating API calls per actor. A nil limiter allows
// everything.
type WriteLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger
	rate   float64
	burst  int
}

// NewWriteLimiter returns nil when rate limiting is disabled or Redis is not
// configured.
func NewWriteLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *WriteLimiter {
	if !cfg.RateLimitEnabled || client == nil {
		return nil
	}
	if cfg.RateLimitRate <= 0 || cfg.RateLimitBurst <= 0 {
		log.Warn("rate limit disabled: rate and burst must be positive")
		return nil
	}
	return &WriteLimiter{
		bucket: NewTokenBucket(client),
		log:    log.Named("ratelimit"),
		rate:   cfg.RateLimitRate,
		burst:  cfg.RateLimitBurst,
	}
}

// Allow fails open: a Redis error is logged and the call goes through.
func (l *WriteLimiter) Allow(ctx context.Context, actor string) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "anonymous"
	}
	res, err := l.bucket.Allow(ctx, keyWritePrefix+actor, l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed", zap.String("actor", actor), zap.Error(err))
		return Result{Allowed: true, Limit: l.burst}
	}
	return res
}
