package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/inspectbill/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, rate float64, burst int) (*WebhookLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := config.Config{WebhookRateLimit: config.RateLimitConfig{PerSecond: rate, Burst: burst}}
	return NewWebhookLimiter(cfg, client, zap.NewNop()), mr
}

func TestWebhookLimiterExhaustsBurst(t *testing.T) {
	limiter, _ := newTestLimiter(t, 0.001, 3)
	require.True(t, limiter.Enabled())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := limiter.AllowProvider(ctx, "stripe")
		require.True(t, res.Allowed, "delivery %d", i)
	}
	res := limiter.AllowProvider(ctx, "stripe")
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}

func TestWebhookLimiterBucketsArePerProvider(t *testing.T) {
	limiter, _ := newTestLimiter(t, 0.001, 1)
	ctx := context.Background()

	assert.True(t, limiter.AllowProvider(ctx, "stripe").Allowed)
	assert.False(t, limiter.AllowProvider(ctx, "Stripe").Allowed)
	assert.True(t, limiter.AllowProvider(ctx, "generic").Allowed)
}

func TestWebhookLimiterFailsOpen(t *testing.T) {
	limiter, mr := newTestLimiter(t, 0.001, 1)
	mr.Close()

	assert.True(t, limiter.AllowProvider(context.Background(), "stripe").Allowed)
}

func TestWebhookLimiterDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	assert.Nil(t, NewWebhookLimiter(config.Config{}, client, zap.NewNop()))
	cfg := config.Config{WebhookRateLimit: config.RateLimitConfig{PerSecond: 5, Burst: 10}}
	assert.Nil(t, NewWebhookLimiter(cfg, nil, zap.NewNop()))

	var limiter *WebhookLimiter
	assert.False(t, limiter.Enabled())
	assert.True(t, limiter.AllowProvider(context.Background(), "stripe").Allowed)
}
