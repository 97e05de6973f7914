package rasterizer

import (
	"math"
	"testing"

	"github.com/avitab/tilecore/internal/tilesource"
)

func TestZoomToScale(t *testing.T) {
	cases := []struct {
		zoom int
		want float64
	}{
		{0, 1},
		{2, 2},
		{4, 4},
	}
	for _, c := range cases {
		if got := zoomToScale(c.zoom); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("zoomToScale(%d) = %v, want %v", c.zoom, got, c.want)
		}
	}
}

// newTestRasterizer builds a Rasterizer with synthetic page bounds,
// bypassing Open (and therefore libvips) so geometry logic can be
// exercised without a real document fixture.
func newTestRasterizer(pages ...pageBounds) *Rasterizer {
	return &Rasterizer{
		tileSize:       512,
		maxRenderZoom:  6,
		pageBounds:     pages,
		currentPageNum: -1,
	}
}

func TestGetPageWidthHeight(t *testing.T) {
	r := newTestRasterizer(pageBounds{width: 100, height: 50})

	w, err := r.GetPageWidth(0, 0)
	if err != nil {
		t.Fatalf("GetPageWidth() error = %v", err)
	}
	if w != 100 {
		t.Errorf("GetPageWidth(0, zoom=0) = %d, want 100", w)
	}

	h, err := r.GetPageHeight(0, 0)
	if err != nil {
		t.Fatalf("GetPageHeight() error = %v", err)
	}
	if h != 50 {
		t.Errorf("GetPageHeight(0, zoom=0) = %d, want 50", h)
	}

	w2, err := r.GetPageWidth(0, 2)
	if err != nil {
		t.Fatalf("GetPageWidth() error = %v", err)
	}
	if want := int(100 * zoomToScale(2)); w2 != want {
		t.Errorf("GetPageWidth(0, zoom=2) = %d, want %d", w2, want)
	}
}

// TestScaleLaw checks spec.md's Testable Property 8: since sqrt(2)^2 == 2,
// pageWidth(p, z+2) must equal 2 * pageWidth(p, z) (within truncation
// rounding), and likewise for height.
func TestScaleLaw(t *testing.T) {
	r := newTestRasterizer(
		pageBounds{width: 100, height: 50},
		pageBounds{width: 817, height: 333},
	)

	cases := []struct {
		page, zoom int
	}{
		{0, 0},
		{0, 1},
		{0, 4},
		{1, 0},
		{1, 3},
	}
	for _, c := range cases {
		wLow, err := r.GetPageWidth(c.page, c.zoom)
		if err != nil {
			t.Fatalf("GetPageWidth(%d, %d) error = %v", c.page, c.zoom, err)
		}
		wHigh, err := r.GetPageWidth(c.page, c.zoom+2)
		if err != nil {
			t.Fatalf("GetPageWidth(%d, %d) error = %v", c.page, c.zoom+2, err)
		}
		if diff := wHigh - 2*wLow; diff < -1 || diff > 1 {
			t.Errorf("GetPageWidth(%d, %d)=%d, GetPageWidth(%d, %d)=%d: want the latter within ±1 of 2x the former",
				c.page, c.zoom, wLow, c.page, c.zoom+2, wHigh)
		}

		hLow, err := r.GetPageHeight(c.page, c.zoom)
		if err != nil {
			t.Fatalf("GetPageHeight(%d, %d) error = %v", c.page, c.zoom, err)
		}
		hHigh, err := r.GetPageHeight(c.page, c.zoom+2)
		if err != nil {
			t.Fatalf("GetPageHeight(%d, %d) error = %v", c.page, c.zoom+2, err)
		}
		if diff := hHigh - 2*hLow; diff < -1 || diff > 1 {
			t.Errorf("GetPageHeight(%d, %d)=%d, GetPageHeight(%d, %d)=%d: want the latter within ±1 of 2x the former",
				c.page, c.zoom, hLow, c.page, c.zoom+2, hHigh)
		}
	}
}

func TestGetPageWidthHeightOutOfRange(t *testing.T) {
	r := newTestRasterizer(pageBounds{width: 100, height: 50})

	if _, err := r.GetPageWidth(5, 0); err == nil {
		t.Fatal("expected PageFault for out-of-range page")
	} else if _, ok := err.(*PageFault); !ok {
		t.Fatalf("error = %T, want *PageFault", err)
	}

	if _, err := r.GetPageHeight(-1, 0); err == nil {
		t.Fatal("expected PageFault for negative page")
	}
}

func TestGetTileSizeAndPageCount(t *testing.T) {
	r := newTestRasterizer(pageBounds{width: 10, height: 10}, pageBounds{width: 20, height: 20})
	if r.GetTileSize() != 512 {
		t.Errorf("GetTileSize() = %d, want 512", r.GetTileSize())
	}
	if r.GetPageCount() != 2 {
		t.Errorf("GetPageCount() = %d, want 2", r.GetPageCount())
	}
}

func TestLoadTileRejectsOutOfRangePage(t *testing.T) {
	r := newTestRasterizer(pageBounds{width: 100, height: 50})
	if _, err := r.LoadTile(3, 0, 0, 0); err == nil {
		t.Fatal("expected an error for an out-of-range page")
	} else if _, ok := err.(*PageFault); !ok {
		t.Fatalf("error = %T, want *PageFault", err)
	}
}

func TestCancelAndResumeLoading(t *testing.T) {
	r := newTestRasterizer(pageBounds{width: 100, height: 50})
	if r.isCancelled() {
		t.Fatal("a fresh rasterizer should not be cancelled")
	}

	r.CancelPendingLoads()
	if !r.isCancelled() {
		t.Fatal("expected isCancelled() to be true after CancelPendingLoads()")
	}

	r.ResumeLoading()
	if r.isCancelled() {
		t.Fatal("expected isCancelled() to be false after ResumeLoading()")
	}
}

// TestLoadTileHonorsCancellation exercises LoadTile's contract with an
// already-loaded page, without opening a real document: LoadTile must
// return ErrCancelled before touching the (nil, in this synthetic case)
// base raster when cancellation is latched.
func TestLoadTileHonorsCancellation(t *testing.T) {
	r := newTestRasterizer(pageBounds{width: 100, height: 50})
	r.currentPageNum = 0
	r.currentPageValid = true
	r.CancelPendingLoads()

	_, err := r.LoadTile(0, 0, 0, 0)
	if err != tilesource.ErrCancelled {
		t.Fatalf("LoadTile() error = %v, want ErrCancelled", err)
	}
}
