// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRUCache is a thread-safe LRU cache used for computed routes.
//
// Unlike a classic fixed-size LRU, eviction policy is owned by the caller:
// Set never evicts on its own, and EvictOldest batch-drops the least
// recently used entries (the route cache drops its oldest third on
// overflow). Uses container/list for O(1) access and eviction.
//
// Thread Safety: All methods are safe for concurrent use.
type LRUCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]*list.Element
	order *list.List // Front = most recent, Back = least recent

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRUCache creates an empty cache with room hinted for sizeHint entries.
func NewLRUCache[K comparable, V any](sizeHint int) *LRUCache[K, V] {
	if sizeHint <= 0 {
		sizeHint = 100
	}
	return &LRUCache[K, V]{
		items: make(map[K]*list.Element, sizeHint),
		order: list.New(),
	}
}

// Get retrieves a value and marks it most recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return elem.Value.(*lruEntry[K, V]).value, true
	}

	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set adds or updates a value and marks it most recently used.
func (c *LRUCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry[K, V]).value = value
		return
	}

	entry := &lruEntry[K, V]{key: key, value: value}
	c.items[key] = c.order.PushFront(entry)
}

// Delete removes a key, reporting whether it was present.
func (c *LRUCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// EvictOldest removes up to n of the least recently used entries and
// returns how many were removed.
func (c *LRUCache[K, V]) EvictOldest(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for removed < n {
		elem := c.order.Back()
		if elem == nil {
			break
		}
		c.removeElement(elem)
		c.evictions.Add(1)
		removed++
	}
	return removed
}

// Snapshot returns a copy of the current entries. Used by invalidation
// scans; the copy is detached from the cache.
func (c *LRUCache[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[K]V, len(c.items))
	for key, elem := range c.items {
		out[key] = elem.Value.(*lruEntry[K, V]).value
	}
	return out
}

// Purge clears all entries and resets the counters.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Len returns the number of entries.
func (c *LRUCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Stats returns hit/miss counts since creation or last purge.
func (c *LRUCache[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Evictions returns how many entries were evicted since creation or last purge.
func (c *LRUCache[K, V]) Evictions() int64 {
	return c.evictions.Load()
}

// removeElement removes an element from both the list and the map.
// Caller must hold the write lock.
func (c *LRUCache[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry[K, V]).key)
}
