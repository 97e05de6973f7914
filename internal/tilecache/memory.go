package tilecache

import (
	"time"

	"github.com/avitab/tilecore/internal/tileimage"
)

// memEntry pairs a cached image with the timestamp of its last successful
// read, which is refreshed on every hit (not only on insert) per the
// spec's age-based eviction policy.
type memEntry struct {
	image      *tileimage.Image
	lastAccess time.Time
}

// memoryCache is a plain map keyed by artifact path (never by TileCoords
// directly — per the spec's data model, the artifact path is the cache's
// true primary key so that two coordinates mapping to the same path share
// one entry). It carries no lock of its own: every method here is only
// ever called while the owning TileCache holds its single cacheMutex, the
// same "one mutex protects memoryCache, loadSet, errorSet" policy the
// original design mandates.
type memoryCache map[string]*memEntry

func newMemoryCache() memoryCache {
	return make(memoryCache)
}

func (m memoryCache) get(path string, now time.Time) (*tileimage.Image, bool) {
	entry, ok := m[path]
	if !ok {
		return nil, false
	}
	entry.lastAccess = now
	return entry.image, true
}

// put stores image under path, taking ownership of the reference the
// caller passes in (the cache's own slot in the shared-ownership scheme
// spec.md:216 describes). If an entry already occupies path, its image is
// released first so the replaced reference isn't leaked.
func (m memoryCache) put(path string, image *tileimage.Image, now time.Time) {
	if old, ok := m[path]; ok {
		old.image.Release()
	}
	m[path] = &memEntry{image: image, lastAccess: now}
}

// clear releases the cache's reference on every entry and empties the map.
func (m memoryCache) clear() {
	for k, entry := range m {
		entry.image.Release()
		delete(m, k)
	}
}

// evictOlderThan removes every entry whose last access is at least
// maxAge in the past, implementing the spec's "evicts memory entries
// older than a fixed threshold" sweep. Each evicted entry's reference is
// released, closing the underlying vips image once no consumer still
// holds a handle from an earlier GetTile call.
func (m memoryCache) evictOlderThan(now time.Time, maxAge time.Duration) {
	for path, entry := range m {
		if now.Sub(entry.lastAccess) >= maxAge {
			entry.image.Release()
			delete(m, path)
		}
	}
}
