// Package ratelimit throttles inbound webhook deliveries with a Redis token
// bucket shared by every replica.
package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/inspectbill/internal/config"
	"go.uber.org/zap"
)

const keyWebhookProvider = "webhook:ingest:provider:%s"

type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

// NewWebhookLimiter returns nil when no rate is configured or Redis is
// unavailable. A nil limiter allows everything.
func NewWebhookLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *WebhookLimiter {
	limit := cfg.WebhookRateLimit
	if limit.PerSecond <= 0 || limit.Burst <= 0 {
		return nil
	}
	if client == nil {
		log.Warn("webhook rate limit configured without redis, limiter disabled")
		return nil
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(client),
		rate:   limit.PerSecond,
		burst:  limit.Burst,
		log:    log.Named("ratelimit.webhook"),
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowProvider fails open: a Redis error is logged and the delivery goes
// through, since the provider retries on 429 anyway and dedup still holds.
func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) *Result {
	if !l.Enabled() {
		return &Result{Allowed: true}
	}
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	res, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing delivery", zap.String("provider", provider), zap.Error(err))
		return &Result{Allowed: true}
	}
	return res
}
