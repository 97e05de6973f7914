package rasterizer

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/avitab/tilecore/internal/tileimage"
	"github.com/avitab/tilecore/internal/tilesource"
)

// PageSource adapts a single page of a shared *Rasterizer to the
// tilesource.Source contract TileCache drives. TileCache only ever
// addresses tiles by (x, y, zoom); PageSource is the missing piece that
// lets a multi-page document hand out one TileCache per page, per
// SPEC_FULL.md section 3.
type PageSource struct {
	rasterizer *Rasterizer
	page       int
}

// NewPageSource binds page of rasterizer to a tilesource.Source. The
// caller must not use rasterizer concurrently from anywhere else while
// the resulting PageSource's cache is active (see DocumentSession).
func NewPageSource(rasterizer *Rasterizer, page int) *PageSource {
	return &PageSource{rasterizer: rasterizer, page: page}
}

// CheckAndCorrectTileCoordinates rejects negative coordinates and any
// (x, y) outside the tile grid implied by the page's size at zoom.
func (s *PageSource) CheckAndCorrectTileCoordinates(x, y, zoom *int) bool {
	if *zoom < 0 || *x < 0 || *y < 0 {
		return false
	}

	width, err := s.rasterizer.GetPageWidth(s.page, *zoom)
	if err != nil {
		return false
	}
	height, err := s.rasterizer.GetPageHeight(s.page, *zoom)
	if err != nil {
		return false
	}

	tileSize := s.rasterizer.GetTileSize()
	maxTileX := (width + tileSize - 1) / tileSize
	maxTileY := (height + tileSize - 1) / tileSize
	if maxTileX < 1 {
		maxTileX = 1
	}
	if maxTileY < 1 {
		maxTileY = 1
	}

	return *x < maxTileX && *y < maxTileY
}

// GetFilePathForTile encodes the bound page number into the artifact
// path, so a single cache directory can serve every page of a document
// without collisions between their (x, y, zoom) triples.
func (s *PageSource) GetFilePathForTile(x, y, zoom int) string {
	return filepath.Join(
		fmt.Sprintf("page-%d", s.page),
		fmt.Sprintf("z%d", zoom),
		fmt.Sprintf("%d_%d.png", x, y),
	)
}

// LoadTileImage renders the tile, translating the rasterizer's own fault
// types into the tilesource.Fault envelope TileCache expects.
func (s *PageSource) LoadTileImage(x, y, zoom int) (*tileimage.Image, error) {
	image, err := s.rasterizer.LoadTile(s.page, x, y, zoom)
	if err != nil {
		if errors.Is(err, tilesource.ErrCancelled) {
			return nil, err
		}
		return nil, &tilesource.Fault{Op: "rasterize", Err: err}
	}
	return image, nil
}

func (s *PageSource) CancelPendingLoads() {
	s.rasterizer.CancelPendingLoads()
}

func (s *PageSource) ResumeLoading() {
	s.rasterizer.ResumeLoading()
}
