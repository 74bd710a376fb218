package fetcher

import "sync"

// Cache memoizes API responses for the lifetime of one run. Keys are built by
// cacheKey and are stable across goroutines.
type Cache struct {
	data sync.Map
}

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) Get(key string) (any, bool) {
	return c.data.Load(key)
}

func (c *Cache) Set(key string, value any) {
	c.data.Store(key, value)
}

// Forget drops every entry whose key starts with prefix, so a repository that
// is re-processed with --force sees fresh data.
func (c *Cache) Forget(prefix string) {
	c.data.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok && len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			c.data.Delete(k)
		}
		return true
	})
}
