package library

import (
	"fmt"
	"time"

	"unison/pkg/models"
)

// Catalog is a read-through cached view over the track store. It is the
// item metadata source the sync coordinator consults when validating
// queue contents and loading runtime ticks.
type Catalog struct {
	store *Store
	cache *trackCache
}

// NewCatalog creates a catalog backed by the given store.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{
		store: store,
		cache: newTrackCache(15 * time.Minute),
	}
}

// GetItem returns the track with the given id, from cache when possible.
func (c *Catalog) GetItem(id int) (*models.Track, error) {
	if track, ok := c.cache.get(id); ok {
		return track, nil
	}

	track, err := c.store.GetTrackByID(id)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}

	c.cache.set(id, track)
	return track, nil
}

// AddTrack inserts or updates a track and invalidates any cached copy.
func (c *Catalog) AddTrack(track models.Track) (int, error) {
	id, err := c.store.InsertTrack(track)
	if err != nil {
		return 0, err
	}
	c.cache.invalidate(id)
	return id, nil
}

// RemoveTrackByPath deletes a track by file path. The cache is cleared
// wholesale because the path-to-id mapping is not kept in memory.
func (c *Catalog) RemoveTrackByPath(filePath string) error {
	if err := c.store.RemoveTrackByPath(filePath); err != nil {
		return err
	}
	c.cache.clear()
	return nil
}

// TrackExists returns true if a track exists with the given file path.
func (c *Catalog) TrackExists(filePath string) (bool, error) {
	return c.store.TrackExists(filePath)
}

// GetAllTracks returns every track in the catalog.
func (c *Catalog) GetAllTracks() ([]models.Track, error) {
	return c.store.GetAllTracks()
}

// Close releases the cache cleanup goroutine and the store.
func (c *Catalog) Close() error {
	c.cache.stop()
	return c.store.Close()
}
