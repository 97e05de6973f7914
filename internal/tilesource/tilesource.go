// Package tilesource defines the TileSource contract TileCache consumes,
// and the error vocabulary producers use to report faults back to it.
package tilesource

import (
	"errors"
	"fmt"

	"github.com/avitab/tilecore/internal/tileimage"
)

// ErrInvalidCoordinate is returned by TileCache.GetTile when
// CheckAndCorrectTileCoordinates rejects the requested coordinate.
var ErrInvalidCoordinate = errors.New("tilesource: invalid coordinate")

// ErrCancelled is returned by a Source's LoadTileImage when an in-flight
// or about-to-start load was aborted via CancelPendingLoads. TileCache
// discards it silently; it must never reach a GetTile caller.
var ErrCancelled = errors.New("tilesource: load cancelled")

// ErrCorruptTile is returned by TileCache.GetTile for a coordinate that
// previously failed to load and is still in the error set.
var ErrCorruptTile = errors.New("tilesource: corrupt tile")

// Fault wraps any producer failure other than cancellation. TileCache logs
// it and memoizes the coordinate as errored; it is never propagated to the
// original GetTile caller (who already received a miss).
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("tilesource: %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Source is the producer contract TileCache drives. Implementations may
// block arbitrarily long in LoadTileImage; every other method must be
// cheap and safe to call while TileCache holds its own lock.
type Source interface {
	// CheckAndCorrectTileCoordinates normalizes x, y, zoom in place
	// (e.g. wrapping longitude into a canonical range) and reports
	// whether the coordinate is representable at all.
	CheckAndCorrectTileCoordinates(x, y, zoom *int) bool

	// GetFilePathForTile returns the canonical, filesystem-safe relative
	// path for the (normalized) coordinate. Two coordinates that map to
	// the same path address the same logical tile.
	GetFilePathForTile(x, y, zoom int) string

	// LoadTileImage produces the tile. It may block for an arbitrary
	// time. It returns ErrCancelled (or an error wrapping it) if asked
	// to abort, or a *Fault-wrapped error for any other failure.
	LoadTileImage(x, y, zoom int) (*tileimage.Image, error)

	// CancelPendingLoads advisorily asks the currently running or
	// next-started LoadTileImage call to return ErrCancelled promptly.
	CancelPendingLoads()

	// ResumeLoading clears any latched cancellation. Called by the
	// cache's worker immediately after dequeuing a new work item and
	// before it releases its lock to call LoadTileImage.
	ResumeLoading()
}
