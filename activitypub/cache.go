package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

type CacheConfig struct {
	MaxEntries int64
	TTL        time.Duration
}

type cacheEntry struct {
	res *FetchResult
	err error
}

// CachingFetcher keeps fetch results in a bounded TTL cache. Not found answers are cached for a
// shorter time so a briefly missing object does not stay missing.
type CachingFetcher struct {
	next  Fetcher
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachingFetcher(next Fetcher, conf CacheConfig) (*CachingFetcher, error) {
	if conf.MaxEntries <= 0 {
		conf.MaxEntries = 10000
	}
	if conf.TTL <= 0 {
		conf.TTL = 5 * time.Minute
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        conf.MaxEntries * 10,
		MaxCost:            conf.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object cache: %w", err)
	}
	return &CachingFetcher{next: next, cache: cache, ttl: conf.TTL}, nil
}

func cacheKey(rawURL, accept string) string {
	return accept + " " + rawURL
}

func (c *CachingFetcher) Fetch(ctx context.Context, rawURL string, accept string) (*FetchResult, error) {
	key := cacheKey(rawURL, accept)
	if v, ok := c.cache.Get(key); ok {
		e := v.(*cacheEntry)
		return e.res, e.err
	}

	res, err := c.next.Fetch(ctx, rawURL, accept)
	switch {
	case err == nil:
		c.cache.SetWithTTL(key, &cacheEntry{res: res}, 1, c.ttl)
	case IsNotFound(err):
		c.cache.SetWithTTL(key, &cacheEntry{err: err}, 1, min(c.ttl, 30*time.Second))
	default:
		return nil, err
	}
	c.cache.Wait()
	return res, err
}

// Invalidate drops every cached answer for rawURL.
func (c *CachingFetcher) Invalidate(rawURL string) {
	for _, accept := range []string{ContentType, WebfingerContentType} {
		c.cache.Del(cacheKey(rawURL, accept))
	}
}

func (c *CachingFetcher) Close() {
	c.cache.Close()
}
