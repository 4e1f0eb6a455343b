package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// LoaderFunc fetches the authoritative value for a key on a cache miss.
type LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// lruCacheItem is the internal structure stored in the linked list.
type lruCacheItem[K comparable, V any] struct {
	key      K
	value    V
	loadedAt time.Time
}

// InMemoryLRUCache is a generic, thread-safe, in-memory read-through cache with a
// fixed size, a Least Recently Used (LRU) eviction policy and a maximum entry age.
// It sits in front of slow lookups whose answers may be briefly stale, such as
// friend lists consulted on every broadcast.
type InMemoryLRUCache[K comparable, V any] struct {
	maxSize int
	maxAge  time.Duration
	loader  LoaderFunc[K, V]
	now     func() time.Time

	mu    sync.Mutex
	ll    *list.List          // Used to track the order of items (recency).
	cache map[K]*list.Element // Used for fast key lookups.
}

// NewInMemoryLRUCache creates a new size-limited, in-memory LRU cache.
//   - maxSize: The maximum number of items to store in the cache. Must be > 0.
//   - maxAge: How long a loaded value is served before it is reloaded. Zero disables ageing.
//   - loader: Populates the cache on a miss. Required.
func NewInMemoryLRUCache[K comparable, V any](maxSize int, maxAge time.Duration, loader LoaderFunc[K, V]) (*InMemoryLRUCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	return &InMemoryLRUCache[K, V]{
		maxSize: maxSize,
		maxAge:  maxAge,
		loader:  loader,
		now:     time.Now,
		ll:      list.New(),
		cache:   make(map[K]*list.Element),
	}, nil
}

// Fetch retrieves an item. A fresh hit moves the item to the front of the recency
// list. A miss or a stale hit calls the loader and stores the result, evicting the
// least recently used item when the cache is full. Loader errors are not cached.
func (c *InMemoryLRUCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	if elem, ok := c.cache[key]; ok {
		item := elem.Value.(*lruCacheItem[K, V])
		if c.fresh(item) {
			c.ll.MoveToFront(elem)
			c.mu.Unlock()
			return item.value, nil
		}
	}
	c.mu.Unlock()

	sourceValue, err := c.loader(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have populated the key while we were loading.
	if elem, ok := c.cache[key]; ok {
		item := elem.Value.(*lruCacheItem[K, V])
		item.value = sourceValue
		item.loadedAt = c.now()
		c.ll.MoveToFront(elem)
		return sourceValue, nil
	}

	newItem := &lruCacheItem[K, V]{key: key, value: sourceValue, loadedAt: c.now()}
	c.cache[key] = c.ll.PushFront(newItem)

	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return sourceValue, nil
}

// Invalidate drops key so the next Fetch reloads it.
func (c *InMemoryLRUCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.Remove(elem)
		delete(c.cache, key)
	}
	return nil
}

// Len reports the number of cached items, stale ones included.
func (c *InMemoryLRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *InMemoryLRUCache[K, V]) fresh(item *lruCacheItem[K, V]) bool {
	return c.maxAge <= 0 || c.now().Sub(item.loadedAt) < c.maxAge
}

// evict removes the least recently used item from the cache.
// This method is unexported and must be called within a locked mutex.
func (c *InMemoryLRUCache[K, V]) evict() {
	elementToRemove := c.ll.Back()
	if elementToRemove != nil {
		itemToRemove := c.ll.Remove(elementToRemove).(*lruCacheItem[K, V])
		delete(c.cache, itemToRemove.key)
	}
}
