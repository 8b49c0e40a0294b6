package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// InMemoryCache is a bounded in-memory cache. When maxEntries > 0 the least
// recently used entry is evicted on insert past capacity; expired entries
// are additionally reclaimed by a background loop.
type InMemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	closed     bool
	stopCh     chan struct{}
}

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewInMemoryCache creates an unbounded in-memory cache with periodic
// eviction of expired entries.
func NewInMemoryCache() *InMemoryCache {
	return NewBoundedCache(0)
}

// NewBoundedCache creates an in-memory cache holding at most maxEntries
// entries (0 means unbounded).
func NewBoundedCache(maxEntries int) *InMemoryCache {
	c := &InMemoryCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	entry := el.Value.(*memEntry)
	if entry.expired() {
		c.removeLocked(el)
		return nil, ErrNotFound
	}
	c.order.MoveToFront(el)
	// Return a copy to prevent mutation
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*memEntry)
		entry.value = cp
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return nil
	}

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	c.entries[key] = c.order.PushFront(&memEntry{key: key, value: cp, expiresAt: expiresAt})
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	return ok && !el.Value.(*memEntry).expired(), nil
}

// Len returns the number of live entries, counting any not yet reclaimed
// expired ones.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stopCh)
	c.entries = nil
	c.order = nil
	return nil
}

func (c *InMemoryCache) removeLocked(el *list.Element) {
	entry := el.Value.(*memEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
}

func (c *InMemoryCache) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			var next *list.Element
			for el := c.order.Front(); el != nil; el = next {
				next = el.Next()
				if el.Value.(*memEntry).expired() {
					c.removeLocked(el)
				}
			}
			c.mu.Unlock()
		}
	}
}
