// Package cache provides the TTL LRU used for short-lived chain reads
// (gas price, balances, sender-hash maps) so hot paths skip the RPC
// round-trip.
package cache

import (
	"sync"
	"time"
)

// node is an intrusive doubly-linked list element; head is most recently
// used, tail is the eviction candidate.
type node[K comparable, V any] struct {
	key        K
	value      V
	expiresAt  time.Time
	prev, next *node[K, V]
}

// LRU is a fixed-capacity cache with per-entry TTL expiration. Expired
// entries are dropped lazily on read.
type LRU[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	index    map[K]*node[K, V]
	head     *node[K, V]
	tail     *node[K, V]
	nowFn    func() time.Time

	hits   int64
	misses int64
}

func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[K]*node[K, V], capacity),
		nowFn:    time.Now,
	}
}

// Get returns the cached value if present and unexpired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.index[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.nowFn().After(n.expiresAt) {
		c.unlink(n)
		delete(c.index, key)
		c.misses++
		var zero V
		return zero, false
	}
	c.moveToFront(n)
	c.hits++
	return n.value, true
}

// Put inserts or refreshes an entry, evicting the least recently used one
// when the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := c.nowFn().Add(c.ttl)
	if n, ok := c.index[key]; ok {
		n.value = value
		n.expiresAt = expiry
		c.moveToFront(n)
		return
	}

	if len(c.index) >= c.capacity && c.tail != nil {
		evicted := c.tail
		c.unlink(evicted)
		delete(c.index, evicted.key)
	}

	n := &node[K, V]{key: key, value: value, expiresAt: expiry}
	c.pushFront(n)
	c.index[key] = n
}

// Delete removes a key, if present. Used when a cached chain read is known
// to be stale (e.g. after a submitted transaction changes a balance).
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.index[key]; ok {
		c.unlink(n)
		delete(c.index, key)
	}
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[K]*node[K, V], c.capacity)
	c.head = nil
	c.tail = nil
}

// Len counts stored entries, including expired ones not yet dropped.
func (c *LRU[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Stats returns cache hit and miss counts.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) pushFront(n *node[K, V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *LRU[K, V]) moveToFront(n *node[K, V]) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.pushFront(n)
}

func (c *LRU[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}
