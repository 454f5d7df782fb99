// Package image composes the bitmap, pristine, modified, transport, and
// chunk I/O layers into a single Image: the unit of construction, open,
// use, and teardown that the FUSE adapter and the daemon process drive.
package image

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/netimgfs/netimgfs/internal/bitmap"
	"github.com/netimgfs/netimgfs/internal/chunkio"
	"github.com/netimgfs/netimgfs/internal/metrics"
	"github.com/netimgfs/netimgfs/internal/modified"
	"github.com/netimgfs/netimgfs/internal/pristine"
	"github.com/netimgfs/netimgfs/internal/transport"
)

// Params are the construction parameters for an Image, normally parsed
// and validated by internal/config before reaching this package (the
// engine itself never parses strings).
type Params struct {
	// URL is the origin's unsegmented URL, or the segment base when
	// SegmentSize > 0 (actual requests go to "{URL}.{n}").
	URL string

	// CachePath is the on-disk directory backing the pristine store and
	// the modified overlay's temp file.
	CachePath string

	// InitialSize is the image's logical size when opened.
	InitialSize uint64

	// ChunkSize is the fixed chunk granularity for this image.
	ChunkSize uint32

	// SegmentSize is the origin segmentation unit; zero means the
	// origin is a single unsegmented URL.
	SegmentSize uint64

	// MaxChunks bounds how large the bitmaps are sized; it should cover
	// the largest size any resize operation on this image may reach.
	MaxChunks uint32

	Transport *transport.Pool
}

// Image is one demand-fetch cache instance: three bitmaps, a pristine
// store, a modified overlay, and the chunk I/O engine built over them.
type Image struct {
	Present  *bitmap.Bitmap
	Modified *bitmap.Bitmap
	Accessed *bitmap.Bitmap

	pristine *pristine.Store
	overlay  *modified.Store
	engine   *chunkio.Engine

	chunkSize uint32
}

// Open constructs an Image: it creates/rebuilds the pristine and
// modified stores under params.CachePath and builds the chunk I/O engine
// over them. The present bitmap is rebuilt from whatever pristine chunk
// files already exist on disk.
func Open(params Params) (*Image, error) {
	if params.ChunkSize == 0 {
		return nil, fmt.Errorf("image: chunk_size must be > 0")
	}

	em := metrics.NewEngineMetrics()
	counters := chunkio.Counters(chunkio.NopCounters{})
	if em != nil {
		counters = em
	}

	present := bitmap.New(params.MaxChunks)
	modifiedBM := bitmap.New(params.MaxChunks)
	accessed := bitmap.New(params.MaxChunks)
	if em != nil {
		present.SetOnTransition(func(uint32) { em.BitmapTransition("present") })
		modifiedBM.SetOnTransition(func(uint32) { em.BitmapTransition("modified") })
		accessed.SetOnTransition(func(uint32) { em.BitmapTransition("accessed") })
	}

	pristineStore, err := pristine.Open(filepath.Join(params.CachePath, "pristine"), params.MaxChunks, present)
	if err != nil {
		return nil, fmt.Errorf("image: open pristine store: %w", err)
	}

	overlayStore, err := modified.Open(params.CachePath, params.InitialSize, modifiedBM)
	if err != nil {
		pristineStore.Close()
		return nil, fmt.Errorf("image: open modified store: %w", err)
	}

	engine := chunkio.New(chunkio.Config{
		ChunkSize:   params.ChunkSize,
		InitialSize: params.InitialSize,
		Present:     present,
		Modified:    modifiedBM,
		Accessed:    accessed,
		Pristine:    pristineStore,
		Overlay:     overlayStore,
		Transport:   params.Transport,
		URLBase:     params.URL,
		SegmentSize: params.SegmentSize,
		Counters:    counters,
	})

	return &Image{
		Present:   present,
		Modified:  modifiedBM,
		Accessed:  accessed,
		pristine:  pristineStore,
		overlay:   overlayStore,
		engine:    engine,
		chunkSize: params.ChunkSize,
	}, nil
}

// ChunkSize returns the image's fixed chunk granularity.
func (img *Image) ChunkSize() uint32 {
	return img.chunkSize
}

// ReadChunk, WriteChunk, GetImageSize, and SetImageSize forward to the
// chunk I/O engine; Image exists to own the engine's lower-layer
// dependencies and their lifecycle, not to add behavior of its own.
func (img *Image) ReadChunk(ctx context.Context, dst []byte, i uint32, offset uint32) (int, error) {
	return img.engine.ReadChunk(ctx, dst, i, offset)
}

func (img *Image) WriteChunk(ctx context.Context, src []byte, i uint32, offset uint32) (int, error) {
	return img.engine.WriteChunk(ctx, src, i, offset)
}

func (img *Image) GetImageSize() uint64 {
	return img.engine.GetImageSize()
}

func (img *Image) SetImageSize(ctx context.Context, newSize uint64) error {
	return img.engine.SetImageSize(ctx, newSize)
}

// Close releases the pristine and modified stores' file descriptors and
// closes the bitmaps' subscriber streams. It does not delete any
// on-disk pristine data.
func (img *Image) Close() error {
	img.Present.Close()
	img.Modified.Close()
	img.Accessed.Close()

	var firstErr error
	if err := img.overlay.Close(); err != nil {
		firstErr = err
	}
	if err := img.pristine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Destroy releases the chunk I/O engine's resources. It must be called
// exactly once, after Close, and only once every in-flight read, write,
// and resize against this image has returned.
func (img *Image) Destroy() {
	img.engine.Destroy()
}
