package tilecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avitab/tilecore/internal/tileimage"
	"github.com/avitab/tilecore/internal/tilesource"
)

// fakeSource is a minimal tilesource.Source used to exercise TileCache
// without depending on the rasterizer or a real document. Its tiles are
// still tileimage (vips-backed) images, so these tests need libvips.
type fakeSource struct {
	mu        sync.Mutex
	cancelled bool

	loadDelay time.Duration
	failAlways bool
	loadCount  int32
}

func (f *fakeSource) CheckAndCorrectTileCoordinates(x, y, zoom *int) bool {
	return *x >= 0 && *y >= 0 && *zoom >= 0
}

func (f *fakeSource) GetFilePathForTile(x, y, zoom int) string {
	return filepath.Join(fmt.Sprintf("z%d", zoom), fmt.Sprintf("%d_%d.png", x, y))
}

func (f *fakeSource) LoadTileImage(x, y, zoom int) (*tileimage.Image, error) {
	atomic.AddInt32(&f.loadCount, 1)

	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}

	f.mu.Lock()
	cancelled := f.cancelled
	f.mu.Unlock()
	if cancelled {
		return nil, tilesource.ErrCancelled
	}

	if f.failAlways {
		return nil, &tilesource.Fault{Op: "test", Err: fmt.Errorf("synthetic failure")}
	}

	return tileimage.NewWithFill(4, 4, [4]byte{255, 255, 255, 255})
}

func (f *fakeSource) CancelPendingLoads() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

func (f *fakeSource) ResumeLoading() {
	f.mu.Lock()
	f.cancelled = false
	f.mu.Unlock()
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zap.NewNop()
}

func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// TestColdMissWarmHit mirrors spec scenario S1.
func TestColdMissWarmHit(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{}
	c, err := New(source, dir, time.Minute, 50*time.Millisecond, testLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	image, err := c.GetTile(0, 0, 0)
	if err != nil {
		t.Fatalf("GetTile() error = %v", err)
	}
	if image != nil {
		t.Fatal("expected a miss on first call")
	}

	waitFor(t, 5*time.Second, func() bool {
		image, err := c.GetTile(0, 0, 0)
		return err == nil && image != nil
	})

	diskPath := filepath.Join(dir, "z0", "0_0.png")
	if _, err := os.Stat(diskPath); err != nil {
		t.Fatalf("expected tile file at %s, stat error: %v", diskPath, err)
	}
}

// TestDiskWarmedStart mirrors spec scenario S2.
func TestDiskWarmedStart(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{}

	seed, err := tileimage.NewWithFill(4, 4, [4]byte{255, 255, 255, 255})
	if err != nil {
		t.Fatalf("NewWithFill() error = %v", err)
	}
	seedPath := filepath.Join(dir, source.GetFilePathForTile(4, 5, 3))
	if err := seed.StoreAndClearEncodedData(seedPath); err != nil {
		t.Fatalf("seed StoreAndClearEncodedData() error = %v", err)
	}

	c, err := New(source, dir, time.Minute, 50*time.Millisecond, testLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	image, err := c.GetTile(4, 5, 3)
	if err != nil {
		t.Fatalf("GetTile() error = %v", err)
	}
	if image == nil {
		t.Fatal("expected a hit on the very first call against a disk-warmed cache")
	}
}

// TestErrorMemoization mirrors spec scenario S3.
func TestErrorMemoization(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{failAlways: true}
	c, err := New(source, dir, time.Minute, 20*time.Millisecond, testLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if image, err := c.GetTile(7, 7, 7); err != nil || image != nil {
		t.Fatalf("first GetTile() = (%v, %v), want (nil, nil)", image, err)
	}

	waitFor(t, 5*time.Second, func() bool {
		_, err := c.GetTile(7, 7, 7)
		return err == tilesource.ErrCorruptTile
	})

	c.CancelPendingRequests()

	if image, err := c.GetTile(7, 7, 7); err != nil || image != nil {
		t.Fatalf("GetTile() after CancelPendingRequests() = (%v, %v), want a fresh miss", image, err)
	}
}

// TestEviction mirrors spec scenario S4.
func TestEviction(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{}
	c, err := New(source, dir, 200*time.Millisecond, 30*time.Millisecond, testLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if _, err := c.GetTile(1, 1, 1); err != nil {
		t.Fatalf("GetTile() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		image, err := c.GetTile(1, 1, 1)
		return err == nil && image != nil
	})

	diskPath := filepath.Join(dir, "z1", "1_1.png")
	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(diskPath)
		return err == nil
	})

	c.mu.Lock()
	path := source.GetFilePathForTile(1, 1, 1)
	c.memCache.evictOlderThan(time.Now().Add(time.Hour), 0) // force eviction deterministically
	_, stillPresent := c.memCache[path]
	c.mu.Unlock()
	if stillPresent {
		t.Fatal("expected memory entry to be evicted")
	}

	if _, err := os.Stat(diskPath); err != nil {
		t.Fatalf("disk file should survive memory eviction, stat error: %v", err)
	}

	image, err := c.GetTile(1, 1, 1)
	if err != nil {
		t.Fatalf("GetTile() after eviction error = %v", err)
	}
	if image == nil {
		t.Fatal("expected GetTile() to reload from disk after memory eviction")
	}
}

// TestCancellationDuringPanning mirrors spec scenario S5.
func TestCancellationDuringPanning(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{loadDelay: 50 * time.Millisecond}
	c, err := New(source, dir, time.Minute, 20*time.Millisecond, testLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	const n = 100
	for i := 0; i < n; i++ {
		if _, err := c.GetTile(i, 0, 5); err != nil {
			t.Fatalf("GetTile(%d,0,5) error = %v", i, err)
		}
	}

	c.Purge()

	c.mu.Lock()
	remaining := c.loadSet.Len()
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("loadSet.Len() after Purge() = %d, want 0", remaining)
	}

	// Give any in-flight producer call a chance to finish, then confirm
	// we didn't race through every queued tile.
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&source.loadCount); got > 2 {
		t.Fatalf("loadCount = %d, want at most a couple of in-flight completions", got)
	}
}

// TestInvalidCoordinateRejected checks the CheckAndCorrectTileCoordinates
// contract surfaces as ErrInvalidCoordinate.
func TestInvalidCoordinateRejected(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{}
	c, err := New(source, dir, time.Minute, 50*time.Millisecond, testLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if _, err := c.GetTile(-1, 0, 0); err != tilesource.ErrInvalidCoordinate {
		t.Fatalf("GetTile(-1,0,0) error = %v, want ErrInvalidCoordinate", err)
	}
}

func TestCloseStopsWorker(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{}
	c, err := New(source, dir, time.Minute, 10*time.Millisecond, testLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return in time")
	}
}
