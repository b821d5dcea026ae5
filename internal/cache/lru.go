// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package cache provides a small TTL-bounded LRU used to deduplicate
// snapshot entries while the client runs in fallback polling mode.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	addedAt time.Time
}

// LRU is a fixed-capacity, TTL-bounded set of string keys. Lookups
// refresh recency; expired entries are treated as absent.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List

	now func() time.Time
}

// NewLRU returns an LRU holding at most capacity keys, each valid for
// ttl after insertion. A capacity of zero or less defaults to 1024.
func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// Seen reports whether key is present and unexpired, then records it.
// The first call for a key returns false; repeat calls within the TTL
// return true.
func (c *LRU) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		if c.ttl <= 0 || c.now().Sub(ent.addedAt) < c.ttl {
			c.order.MoveToFront(el)
			return true
		}
		c.order.Remove(el)
		delete(c.items, key)
	}

	c.items[key] = c.order.PushFront(&entry{key: key, addedAt: c.now()})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}
	return false
}

// Len returns the number of stored keys, including any not yet
// evicted by a lookup after their TTL elapsed.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
