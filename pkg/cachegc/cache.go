// Package cachegc provides a small LRU cache whose entries expire after a TTL.
package cachegc

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is an in-memory LRU with per-entry expiry.
type Cache struct {
	lru *lru.Cache
	ttl time.Duration

	now func() time.Time
}

type cacheEntry struct {
	data        interface{}
	lastUpdated time.Time
}

// New creates a cache that keeps at most size entries for at most ttl.
func New(size int, ttl time.Duration) (*Cache, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, ttl: ttl, now: time.Now}, nil
}

// Add inserts or refreshes an entry.
func (c *Cache) Add(key, value interface{}) {
	c.lru.Add(key, &cacheEntry{data: value, lastUpdated: c.now()})
}

// Get returns an entry, ignoring expired items.
func (c *Cache) Get(key interface{}) (interface{}, bool) {
	entryI, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*cacheEntry)
	if c.now().Sub(entry.lastUpdated) > c.ttl {
		c.lru.Remove(key)
		c.gc()
		return nil, false
	}
	return entry.data, true
}

// Contains reports whether an unexpired entry exists.
func (c *Cache) Contains(key interface{}) bool {
	_, ok := c.Get(key)
	return ok
}

// Remove drops an entry.
func (c *Cache) Remove(key interface{}) {
	c.lru.Remove(key)
}

// gc prunes expired entries from the cold end.
func (c *Cache) gc() {
	now := c.now()
	for {
		key, entryI, ok := c.lru.GetOldest()
		if !ok {
			return
		}
		entry := entryI.(*cacheEntry)
		if now.Sub(entry.lastUpdated) <= c.ttl {
			return
		}
		c.lru.Remove(key)
	}
}
