// Package tilecache implements the two-level (memory + disk) tile cache
// described in spec.md section 4.3: a non-blocking GetTile, a background
// loader goroutine, and error memoization. It is the busiest of the two
// hard-core engines; the mutex+condvar wake-up pattern it uses is called
// out by spec.md's DESIGN NOTES as something to retain as-is rather than
// redesign away.
package tilecache

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avitab/tilecore/internal/platform"
	"github.com/avitab/tilecore/internal/tilecoords"
	"github.com/avitab/tilecore/internal/tileimage"
	"github.com/avitab/tilecore/internal/tilesource"
)

// TileCache is the central cache engine described in spec.md section 4.3.
// A single mutex guards memCache, loadSet, errorSet and keepAlive, paired
// with a single condition variable signalled on enqueue and on shutdown —
// the spec's DESIGN NOTES call this pairing out explicitly as a pattern to
// keep rather than replace.
type TileCache struct {
	source tilesource.Source
	logger *zap.Logger

	cacheDir     string
	cacheSeconds time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	keepAlive bool
	tickFired bool

	memCache memoryCache
	loadSet  tilecoords.Set
	errorSet tilecoords.Set

	stopTick   chan struct{}
	workerDone chan struct{}
}

// New creates cacheDir if missing and immediately spawns the background
// worker, matching the source's constructor, which starts its loader
// thread before returning.
func New(source tilesource.Source, cacheDir string, cacheSeconds, workerWait time.Duration, logger *zap.Logger) (*TileCache, error) {
	if !platform.FileExists(cacheDir) {
		if err := platform.Mkdir(cacheDir); err != nil {
			return nil, err
		}
	}

	c := &TileCache{
		source:       source,
		logger:       logger,
		cacheDir:     cacheDir,
		cacheSeconds: cacheSeconds,
		keepAlive:    true,
		memCache:     newMemoryCache(),
		loadSet:      tilecoords.NewSet(),
		errorSet:     tilecoords.NewSet(),
		stopTick:     make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.tickWaker(workerWait)
	go c.loadLoop()

	return c, nil
}

// GetTile never blocks on producer I/O (spec.md section 4.3 contract): it
// checks the error set, then memory, then disk, each under the cache
// lock, and enqueues a background load on a full miss. A nil image with a
// nil error is a miss; the caller is expected to poll again later. A
// non-nil image is a retained reference the caller owns independently of
// the cache's own copy; the caller must call Release on it once done.
func (c *TileCache) GetTile(x, y, zoom int) (*tileimage.Image, error) {
	nx, ny, nz := x, y, zoom
	if !c.source.CheckAndCorrectTileCoordinates(&nx, &ny, &nz) {
		return nil, tilesource.ErrInvalidCoordinate
	}
	coords := tilecoords.Coords{X: nx, Y: ny, Zoom: nz}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorSet.Has(coords) {
		return nil, tilesource.ErrCorruptTile
	}

	path := c.source.GetFilePathForTile(nx, ny, nz)
	now := time.Now()

	// Every return of a memCache-owned image below hands the caller its
	// own reference via Retain (spec.md:216's shared-ownership handle):
	// the cache keeps its slot in memCache live until eviction, and the
	// caller is responsible for Release-ing the handle it receives here.
	if image, ok := c.memCache.get(path, now); ok {
		return image.Retain(), nil
	}

	diskPath := filepath.Join(c.cacheDir, path)
	if platform.FileExists(diskPath) {
		image, err := tileimage.LoadImageFile(diskPath)
		if err == nil {
			c.memCache.put(path, image, now)
			return image.Retain(), nil
		}
		// Resolved open question (SPEC_FULL.md section 4.1): a decode
		// failure is treated as "not cached", not as a permanent error.
		c.logger.Warn("disk tile present but failed to decode, treating as absent",
			zap.String("path", diskPath), zap.Error(err))
	}

	c.loadSet.Add(coords)
	c.cond.Signal()
	return nil, nil
}

// Purge cancels pending producer work and clears loadSet, errorSet and
// memCache. Per SPEC_FULL.md section 4's resolved open question #2, this
// follows the original source exactly: purge defers to
// CancelPendingRequests for the error-set clear rather than leaving
// errors sticky across a purge.
func (c *TileCache) Purge() {
	c.CancelPendingRequests()

	c.mu.Lock()
	c.memCache.clear()
	c.mu.Unlock()
}

// CancelPendingRequests aborts in-flight producer work and drops loadSet
// and errorSet, but retains memCache so already-rendered tiles stay
// displayable.
func (c *TileCache) CancelPendingRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.source.CancelPendingLoads()
	c.errorSet.Clear()
	c.loadSet.Clear()
}

// Close signals the background worker to exit and blocks until it has
// (spec.md invariant I4: the worker has exited before any state is
// dropped).
func (c *TileCache) Close() {
	c.mu.Lock()
	c.keepAlive = false
	c.source.CancelPendingLoads()
	c.cond.Broadcast()
	c.mu.Unlock()

	close(c.stopTick)
	<-c.workerDone
}

// tickWaker broadcasts on the cache's condition variable once per
// interval so the loader wakes up to run flushCache even when no new
// tile has been requested — without it, eviction would stall whenever the
// queue is empty, per spec.md's DESIGN NOTES.
func (c *TileCache) tickWaker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.tickFired = true
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-c.stopTick:
			return
		}
	}
}

// hasWorkLocked reports whether the loader should stop waiting: shutdown
// was requested, a tile is pending, or the periodic tick fired. Must be
// called with c.mu held.
func (c *TileCache) hasWorkLocked() bool {
	return !c.keepAlive || c.loadSet.Len() > 0 || c.tickFired
}

// loadLoop is the background worker described in spec.md section 4.3: it
// waits for work or a tick, dequeues at most one coordinate per
// iteration, produces it unlocked, and always runs flushCache before
// looping.
func (c *TileCache) loadLoop() {
	defer close(c.workerDone)

	for {
		c.mu.Lock()
		for !c.hasWorkLocked() {
			c.cond.Wait()
		}
		c.tickFired = false

		if !c.keepAlive {
			c.mu.Unlock()
			return
		}

		coords, ok := c.loadSet.Pop()
		if ok {
			c.source.ResumeLoading()
		}
		c.mu.Unlock()

		if ok {
			c.loadOne(coords)
		}

		c.flushCache()
	}
}

// loadOne produces a single tile unlocked, then re-acquires the lock only
// to touch shared state, per spec.md's "runs unlocked; may block for
// arbitrarily long" contract for the producer call.
func (c *TileCache) loadOne(coords tilecoords.Coords) {
	path := c.source.GetFilePathForTile(coords.X, coords.Y, coords.Zoom)

	c.mu.Lock()
	if _, ok := c.memCache.get(path, time.Now()); ok {
		// Another coordinate mapping to the same artifact path raced
		// us to fill it; nothing left to do.
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	image, err := c.source.LoadTileImage(coords.X, coords.Y, coords.Zoom)
	if err != nil {
		if errors.Is(err, tilesource.ErrCancelled) {
			return
		}
		c.logger.Warn("marking tile as errored", zap.Stringer("coords", coords), zap.Error(err))
		c.mu.Lock()
		c.errorSet.Add(coords)
		c.mu.Unlock()
		return
	}

	now := time.Now()
	c.mu.Lock()
	c.memCache.put(path, image, now)
	c.mu.Unlock()

	diskPath := filepath.Join(c.cacheDir, path)
	if err := image.StoreAndClearEncodedData(diskPath); err != nil {
		c.logger.Warn("failed to persist tile to disk cache", zap.String("path", diskPath), zap.Error(err))
	}
}

// flushCache evicts every memory entry whose age is at least
// cacheSeconds, run once per loader iteration regardless of whether that
// iteration produced a tile.
func (c *TileCache) flushCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memCache.evictOlderThan(time.Now(), c.cacheSeconds)
}
