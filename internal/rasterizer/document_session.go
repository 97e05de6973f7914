package rasterizer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avitab/tilecore/internal/tilecache"
)

// DocumentSession owns one Rasterizer for one opened document and hands
// out at most one active TileCache at a time. Because a Rasterizer is not
// safe for concurrent use (section 4.2), switching the active page closes
// the previous page's TileCache — and, with it, its background worker —
// before a new one is built, so two worker goroutines never drive the
// same Rasterizer at once.
type DocumentSession struct {
	rasterizer *Rasterizer
	logger     *zap.Logger

	cacheDir     string
	cacheSeconds time.Duration
	workerWait   time.Duration

	mu          sync.Mutex
	activePage  int
	activeCache *tilecache.TileCache
}

// OpenDocumentSession opens path and prepares a session ready to activate
// a TileCache for any of its pages on demand.
func OpenDocumentSession(path string, tileSize, maxRenderZoom int, cacheDir string, cacheSeconds, workerWait time.Duration, logger *zap.Logger) (*DocumentSession, error) {
	r, err := Open(path, tileSize, maxRenderZoom, logger)
	if err != nil {
		return nil, err
	}
	return &DocumentSession{
		rasterizer:   r,
		logger:       logger,
		cacheDir:     cacheDir,
		cacheSeconds: cacheSeconds,
		workerWait:   workerWait,
		activePage:   -1,
	}, nil
}

// PageCount returns the document's page count.
func (d *DocumentSession) PageCount() int {
	return d.rasterizer.GetPageCount()
}

// PageWidth and PageHeight expose the rasterizer's zoom-scaled page
// bounds, needed by callers laying out a viewport before any tile has
// been requested.
func (d *DocumentSession) PageWidth(page, zoom int) (int, error) {
	return d.rasterizer.GetPageWidth(page, zoom)
}

func (d *DocumentSession) PageHeight(page, zoom int) (int, error) {
	return d.rasterizer.GetPageHeight(page, zoom)
}

func (d *DocumentSession) TileSize() int {
	return d.rasterizer.GetTileSize()
}

// ActivateCache returns the TileCache for page, creating it (and closing
// any previously active cache for a different page) if needed.
func (d *DocumentSession) ActivateCache(page int) (*tilecache.TileCache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.activeCache != nil && d.activePage == page {
		return d.activeCache, nil
	}
	if d.activeCache != nil {
		d.activeCache.Close()
		d.activeCache = nil
	}

	source := NewPageSource(d.rasterizer, page)
	cache, err := tilecache.New(source, d.cacheDir, d.cacheSeconds, d.workerWait, d.logger)
	if err != nil {
		return nil, err
	}

	d.activeCache = cache
	d.activePage = page
	return cache, nil
}

// Close shuts down the active cache, if any, then the underlying
// rasterizer.
func (d *DocumentSession) Close() {
	d.mu.Lock()
	if d.activeCache != nil {
		d.activeCache.Close()
		d.activeCache = nil
	}
	d.mu.Unlock()

	d.rasterizer.Close()
}
