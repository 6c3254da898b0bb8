package cache

import (
	"sync"
)

// Cache is a mutex-protected map keyed by video ID. It backs the in-flight
// job table and the broker's per-video state.
type Cache[T any] struct {
	cache map[string]T
	mutex sync.RWMutex
}

func New[T any]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

func (c *Cache[T]) Remove(videoID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, videoID)
}

func (c *Cache[T]) Get(videoID string) T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	info, ok := c.cache[videoID]
	if ok {
		return info
	}
	var zero T
	return zero
}

// GetOrStore returns the existing value for videoID, or stores and returns
// value if none is present. The boolean reports whether a value was loaded.
func (c *Cache[T]) GetOrStore(videoID string, value T) (T, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if existing, ok := c.cache[videoID]; ok {
		return existing, true
	}
	c.cache[videoID] = value
	return value, false
}

func (c *Cache[T]) GetKeys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache[T]) Store(videoID string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[videoID] = value
}
