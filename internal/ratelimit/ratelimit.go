// Package ratelimit bounds the per-subject rate.Limiter pool the gateway
// keeps for POST /convert, so a gateway process handling many distinct
// bearer subjects over its lifetime doesn't grow that pool without limit.
package ratelimit

import (
	"container/list"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterCache is an LRU-evicted map of subject -> *rate.Limiter, safe for
// concurrent access.
type LimiterCache struct {
	maxEntries int

	mu    sync.Mutex
	ll    *list.List
	index map[string]*list.Element
}

type entry struct {
	key   string
	value *rate.Limiter
}

// NewLimiterCache returns a cache that evicts its least-recently-used
// subject once more than maxEntries are held.
func NewLimiterCache(maxEntries int) *LimiterCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &LimiterCache{
		maxEntries: maxEntries,
		ll:         list.New(),
		index:      make(map[string]*list.Element),
	}
}

// GetOrCreate returns the limiter for subject, creating it via newLimiter
// if absent, and marks it most-recently-used.
func (c *LimiterCache) GetOrCreate(subject string, newLimiter func() *rate.Limiter) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, ok := c.index[subject]; ok {
		c.ll.MoveToFront(ele)
		return ele.Value.(*entry).value
	}

	lim := newLimiter()
	ele := c.ll.PushFront(&entry{key: subject, value: lim})
	c.index[subject] = ele
	if c.ll.Len() > c.maxEntries {
		c.removeOldest()
	}
	return lim
}

// removeOldest evicts the least-recently-used entry; c.mu must be held.
func (c *LimiterCache) removeOldest() {
	ele := c.ll.Back()
	if ele == nil {
		return
	}
	c.ll.Remove(ele)
	delete(c.index, ele.Value.(*entry).key)
}

// Len reports the number of limiters currently held.
func (c *LimiterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
