/*
Copyright 2024 The go-amqp-cbs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tokenproviders

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/Azure/go-amqp-cbs/pkg/cbsauth"
)

// earlyRefresh is how far ahead of a cached token's expiry CachingProvider
// stops trusting it, so a renewal driven through C3 always lands on a fresh
// fetch rather than a token that's about to lapse mid-flight.
const earlyRefresh = 30 * time.Second

// CachingProvider decorates a TokenProvider with a shared Redis-backed
// cache, keyed by audience, so that many CBS clients fronting the same
// audience (e.g. several replicas of the same service) don't each hammer
// the upstream credential source on every renewal.
type CachingProvider struct {
	inner  cbsauth.TokenProvider
	rdb    *redis.Client
	prefix string
	logger logr.Logger
}

// NewCachingProvider wraps inner with a cache stored in rdb. keyPrefix
// namespaces the cache keys (e.g. "cbs-tokens:") so CachingProvider can
// share a Redis instance with unrelated data.
func NewCachingProvider(inner cbsauth.TokenProvider, rdb *redis.Client, keyPrefix string, logger logr.Logger) *CachingProvider {
	return &CachingProvider{inner: inner, rdb: rdb, prefix: keyPrefix, logger: logger}
}

// GetToken implements cbsauth.TokenProvider. A cache hit is only honored if
// the cached token still has more than earlyRefresh left before it expires;
// otherwise, or on any cache error, it falls through to inner and
// repopulates the cache.
func (p *CachingProvider) GetToken(ctx context.Context, audience string, claims []string, duration time.Duration) (cbsauth.TokenInfo, error) {
	key := p.cacheKey(audience)

	if cached, ok := p.lookup(ctx, key); ok {
		return cached, nil
	}

	token, err := p.inner.GetToken(ctx, audience, claims, duration)
	if err != nil {
		return cbsauth.TokenInfo{}, err
	}

	ttl := time.Until(token.Expiry) - earlyRefresh
	if ttl > 0 {
		p.store(ctx, key, token, ttl)
	}
	return token, nil
}

func (p *CachingProvider) cacheKey(audience string) string {
	return p.prefix + strings.ToLower(audience)
}

func (p *CachingProvider) lookup(ctx context.Context, key string) (cbsauth.TokenInfo, bool) {
	raw, err := p.rdb.HGetAll(ctx, key).Result()
	if err != nil || len(raw) == 0 {
		return cbsauth.TokenInfo{}, false
	}
	expiry, err := time.Parse(time.RFC3339Nano, raw["expiry"])
	if err != nil || !expiry.After(time.Now().Add(earlyRefresh)) {
		return cbsauth.TokenInfo{}, false
	}
	return cbsauth.TokenInfo{
		Token:  raw["token"],
		Type:   cbsauth.TokenType(raw["type"]),
		Expiry: expiry,
	}, true
}

func (p *CachingProvider) store(ctx context.Context, key string, token cbsauth.TokenInfo, ttl time.Duration) {
	values := map[string]any{
		"token":  token.Token,
		"type":   string(token.Type),
		"expiry": token.Expiry.Format(time.RFC3339Nano),
	}
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// A cache-write failure just means the next GetToken call misses
		// and re-fetches from inner; it is never surfaced to the caller.
		p.logger.Error(err, "failed to cache CBS token", "key", key)
	}
}
