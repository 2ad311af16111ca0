package service

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smallbiznis/inspectbill/internal/catalog/domain"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// lookupCache holds hot catalog reads. Values are copies; callers may mutate
// what they get back.
type lookupCache struct {
	tiers   *expirable.LRU[string, []domain.Tier]
	members *expirable.LRU[string, []snowflake.ID]
	prices  *expirable.LRU[string, *domain.Price]
}

func newLookupCache(size int, ttl time.Duration) *lookupCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &lookupCache{
		tiers:   expirable.NewLRU[string, []domain.Tier](1, nil, ttl),
		members: expirable.NewLRU[string, []snowflake.ID](size, nil, ttl),
		prices:  expirable.NewLRU[string, *domain.Price](size, nil, ttl),
	}
}

func (c *lookupCache) purge() {
	c.tiers.Purge()
	c.members.Purge()
	c.prices.Purge()
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
