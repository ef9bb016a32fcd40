package library

import (
	"sync"
	"time"

	"unison/pkg/models"
)

// cacheEntry represents a cached item with expiration
type cacheEntry struct {
	track      *models.Track
	expiration time.Time
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// trackCache implements a simple in-memory cache for track lookups.
// Access checks hit the catalog once per member per queue item, so
// repeated lookups of the same track are served from memory.
type trackCache struct {
	items map[int]*cacheEntry
	mutex sync.RWMutex
	ttl   time.Duration
	done  chan struct{}
}

// newTrackCache creates a new track cache with the given TTL.
func newTrackCache(ttl time.Duration) *trackCache {
	cache := &trackCache{
		items: make(map[int]*cacheEntry),
		ttl:   ttl,
		done:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go cache.cleanupExpired()

	return cache
}

// set stores a track in the cache
func (c *trackCache) set(id int, track *models.Track) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[id] = &cacheEntry{
		track:      track,
		expiration: time.Now().Add(c.ttl),
	}
}

// get retrieves a track from the cache
func (c *trackCache) get(id int) (*models.Track, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[id]
	if !exists || entry.isExpired() {
		return nil, false
	}

	return entry.track, true
}

// invalidate removes a track from the cache
func (c *trackCache) invalidate(id int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, id)
}

// clear removes all items from the cache
func (c *trackCache) clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[int]*cacheEntry)
}

// stop terminates the cleanup goroutine
func (c *trackCache) stop() {
	close(c.done)
}

// cleanupExpired removes expired entries periodically
func (c *trackCache) cleanupExpired() {
	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mutex.Lock()
			for id, entry := range c.items {
				if entry.isExpired() {
					delete(c.items, id)
				}
			}
			c.mutex.Unlock()
		}
	}
}
