// Package tileimage implements the Image collaborator the spec treats as
// an external abstraction: a raw pixel buffer with load-from-file and
// encode-to-file operations. The teacher's image_renderer package already
// leans on github.com/cshum/vipsgen/vips for every pixel operation a tile
// pipeline needs (load, extract, resize, pad, save-to-buffer); this package
// wraps the same library so the rasterizer and the disk cache share one
// image representation instead of reinventing PNG/JPEG codec plumbing.
package tileimage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
)

// Image is a shared-ownership handle around a decoded or rendered tile, per
// spec.md:216's design note: "use a shared-ownership handle (reference-
// counted) — the cache and every consumer share the image; the image is
// freed when both the cache has evicted it and all consumers have released
// their handles." Every constructor starts refs at 1, representing the
// caller's own ownership; Retain hands out an additional reference (e.g.
// when the cache stores a pointer it also returns to an HTTP caller) and
// Release drops one, closing the underlying vips image only when the count
// reaches zero. Release is safe to call exactly once per Retain (and once
// for the owning reference from a constructor).
type Image struct {
	vipsImage *vips.Image
	refs      int32
}

// NewWithFill allocates a width x height image filled with a single BGRA
// color, matching the spec's "allocate a target pixel buffer... fill with
// opaque white" step. The buffer is built in Go and handed to vips via
// NewImageFromMemory, the same raw-memory-backed constructor pattern the
// original mupdf pixmap (fz_new_pixmap_with_data) used.
func NewWithFill(width, height int, fillBGRA [4]byte) (*Image, error) {
	buf := make([]byte, width*height*4)
	for i := 0; i < len(buf); i += 4 {
		buf[i+0] = fillBGRA[0]
		buf[i+1] = fillBGRA[1]
		buf[i+2] = fillBGRA[2]
		buf[i+3] = fillBGRA[3]
	}
	img, err := vips.NewImageFromMemory(buf, width, height, 4)
	if err != nil {
		return nil, fmt.Errorf("allocate image: %w", err)
	}
	return &Image{vipsImage: img, refs: 1}, nil
}

// NewEmpty allocates a fully transparent width x height buffer.
func NewEmpty(width, height int) (*Image, error) {
	return NewWithFill(width, height, [4]byte{0, 0, 0, 0})
}

// FromVips adopts an already-rendered vips.Image (e.g. the output of the
// rasterizer's extract/resize/pad pipeline) as a tile Image, taking
// ownership of it.
func FromVips(v *vips.Image) *Image {
	return &Image{vipsImage: v, refs: 1}
}

// Retain adds one reference and returns the same handle, for a second
// owner (e.g. an HTTP response writer) that will independently Release it.
func (img *Image) Retain() *Image {
	atomic.AddInt32(&img.refs, 1)
	return img
}

// Release drops one reference, closing the underlying vips image once the
// count reaches zero. Safe to call concurrently from multiple owners.
func (img *Image) Release() {
	if atomic.AddInt32(&img.refs, -1) > 0 {
		return
	}
	if img.vipsImage != nil {
		img.vipsImage.Close()
		img.vipsImage = nil
	}
}

func (img *Image) Width() int {
	return img.vipsImage.Width()
}

func (img *Image) Height() int {
	return img.vipsImage.Height()
}

// Pixels returns the raw row-major pixel buffer backing the image. Callers
// must not retain the slice past a subsequent Release.
func (img *Image) Pixels() ([]byte, error) {
	return img.vipsImage.ToBytes()
}

// LoadImageFile decodes path (any vips-supported format; the on-disk cache
// writes PNG) into a fresh Image.
func LoadImageFile(path string) (*Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	access := vips.AccessRandom

	var (
		v   *vips.Image
		err error
	)
	switch ext {
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		v, err = vips.NewPngload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		v, err = vips.NewJpegload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported tile image format: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("load image file %s: %w", path, err)
	}
	return &Image{vipsImage: v, refs: 1}, nil
}

// EncodePNG renders the image to a PNG byte buffer, for HTTP responses
// that serve a just-rendered or just-loaded tile directly without a
// round trip through the disk cache.
func (img *Image) EncodePNG() ([]byte, error) {
	opts := vips.DefaultPngsaveBufferOptions()
	data, err := img.vipsImage.PngsaveBuffer(opts)
	if err != nil {
		return nil, fmt.Errorf("encode tile: %w", err)
	}
	return data, nil
}

// StoreAndClearEncodedData atomically writes the image to path as PNG.
// The decoded pixel buffer stays live in memory (the memory cache entry
// and any UI handle still need it); only the transient encoded byte
// buffer produced for the write is discarded once the file lands, which
// is the footprint StoreAndClearEncodedData is named for.
func (img *Image) StoreAndClearEncodedData(path string) error {
	opts := vips.DefaultPngsaveBufferOptions()
	data, err := img.vipsImage.PngsaveBuffer(opts)
	if err != nil {
		return fmt.Errorf("encode tile: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	tmpPath := path + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp tile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp tile: %w", err)
	}

	return nil
}
