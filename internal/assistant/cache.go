package assistant

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

type cacheEntry struct {
	value   string
	expires time.Time
}

// Cache memoizes generated SQL by normalized question. Entries expire after
// ttl and the whole cache is dropped by Purge when new data is synced.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{
		lru: lru.New(size),
		ttl: ttl,
		now: time.Now,
	}
}

func (c *Cache) Get(question string) (string, bool) {
	key := normalizeQuestion(question)

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		return "", false
	}
	entry := v.(cacheEntry)
	if c.ttl > 0 && !c.now().Before(entry.expires) {
		c.lru.Remove(key)
		return "", false
	}
	return entry.value, true
}

func (c *Cache) Put(question, statement string) {
	key := normalizeQuestion(question)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, cacheEntry{value: statement, expires: c.now().Add(c.ttl)})
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Clear()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

func normalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
