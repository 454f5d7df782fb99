package chunkio

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/netimgfs/netimgfs/internal/bitmap"
	"github.com/netimgfs/netimgfs/internal/modified"
	"github.com/netimgfs/netimgfs/internal/pristine"
	"github.com/netimgfs/netimgfs/internal/transport"
	"github.com/netimgfs/netimgfs/pkg/bufpool"
	"github.com/netimgfs/netimgfs/pkg/chunkmath"
)

// Counters receives the engine's operational counters. internal/metrics
// implements this against Prometheus; tests can pass a no-op.
type Counters interface {
	IncChunkFetches()
	IncChunkDirties()
	AddBytesRead(n uint64)
	AddBytesWritten(n uint64)
	ObserveChunkLockWait(d time.Duration)
}

// NopCounters discards every count. Useful in tests and as the default
// when no metrics sink is wired up.
type NopCounters struct{}

func (NopCounters) IncChunkFetches()                     {}
func (NopCounters) IncChunkDirties()                     {}
func (NopCounters) AddBytesRead(n uint64)                {}
func (NopCounters) AddBytesWritten(n uint64)             {}
func (NopCounters) ObserveChunkLockWait(d time.Duration) {}

// Config constructs an Engine.
type Config struct {
	ChunkSize   uint32
	InitialSize uint64

	Present  *bitmap.Bitmap
	Modified *bitmap.Bitmap
	Accessed *bitmap.Bitmap

	Pristine  *pristine.Store
	Overlay   *modified.Store
	Transport *transport.Pool

	// URLBase is the origin URL (unsegmented) or the segment-name base
	// (segmented: actual requests go to "{URLBase}.{n}").
	URLBase     string
	SegmentSize uint64

	Counters Counters
}

// Engine is the chunk I/O engine (C5): it owns the chunk-state table and
// image_size, and composes the bitmap, pristine, modified, and transport
// layers into the four public operations.
type Engine struct {
	chunkSize   uint32
	initialSize uint64

	present  *bitmap.Bitmap
	modified *bitmap.Bitmap
	accessed *bitmap.Bitmap

	pristine  *pristine.Store
	overlay   *modified.Store
	transport *transport.Pool

	urlBase     string
	segmentSize uint64

	counters Counters
	table    *lockTable
	bufs     *bufpool.Pool
}

// New constructs an Engine over already-open lower layers.
func New(cfg Config) *Engine {
	counters := cfg.Counters
	if counters == nil {
		counters = NopCounters{}
	}
	return &Engine{
		chunkSize:   cfg.ChunkSize,
		initialSize: cfg.InitialSize,
		present:     cfg.Present,
		modified:    cfg.Modified,
		accessed:    cfg.Accessed,
		pristine:    cfg.Pristine,
		overlay:     cfg.Overlay,
		transport:   cfg.Transport,
		urlBase:     cfg.URLBase,
		segmentSize: cfg.SegmentSize,
		counters:    counters,
		table:       newLockTable(cfg.InitialSize),
		bufs:        bufpool.New(int(cfg.ChunkSize)),
	}
}

// constrainIO implements constrain_io from the design: a read or write at
// chunk i, offset within the chunk, requesting length bytes, is clipped to
// whatever is smaller of (a) the room left in the chunk itself from offset
// and (b) the room image_size leaves from the read's actual start position
// (chunk i's start plus offset). Clip (a) exists because callers are
// expected (but not trusted) to keep offset+length within chunk_size; clip
// (b) is the EOF-proximity clip from the design, measured from offset, not
// from the chunk's start.
func constrainIO(imageSize uint64, i uint32, chunkSize uint32, offset uint32, length int) (int, error) {
	chunkStart, _ := chunkmath.Bounds(i, chunkSize)
	pos := chunkStart + uint64(offset)
	if pos >= imageSize {
		return 0, ErrEOF
	}

	n := length
	if offset < chunkSize {
		if room := int(chunkSize - offset); n > room {
			n = room
		}
	} else {
		n = 0
	}
	if remaining := imageSize - pos; uint64(n) > remaining {
		n = int(remaining)
	}
	return n, nil
}

// readChunkUnlocked is the inner read routine: the caller must already
// hold chunk i's lock and supply the image_size snapshot taken at
// acquisition. It never locks or unlocks anything, so the write path can
// call it directly for its copy-on-write step without re-entering the
// locking primitive.
func (e *Engine) readChunkUnlocked(ctx context.Context, i uint32, imageSize uint64, dst []byte, offset uint32) (int, error) {
	n, err := constrainIO(imageSize, i, e.chunkSize, offset, len(dst))
	if err != nil {
		return 0, err
	}
	dst = dst[:n]
	e.accessed.Set(i)

	if e.modified.Test(i) {
		if err := e.overlay.ReadChunk(i, e.chunkSize, dst, offset); err != nil {
			return 0, fmt.Errorf("chunkio: read chunk %d from overlay: %w", i, err)
		}
		return n, nil
	}

	if !e.present.Test(i) {
		chunkStart, _ := chunkmath.Bounds(i, e.chunkSize)
		count := uint64(e.chunkSize)
		if avail := imageSize - chunkStart; avail < count {
			count = avail
		}
		buf := e.bufs.Get()[:count]
		defer e.bufs.Put(buf)
		e.counters.IncChunkFetches()
		if err := e.fetchData(ctx, buf, chunkStart, count); err != nil {
			return 0, err
		}
		if err := e.pristine.WriteChunk(i, buf); err != nil {
			return 0, fmt.Errorf("chunkio: publish chunk %d: %w", i, err)
		}
	}

	if err := e.pristine.ReadChunk(i, dst, offset); err != nil {
		return 0, fmt.Errorf("chunkio: read chunk %d from pristine: %w", i, err)
	}
	return n, nil
}

// ReadChunk reads up to len(dst) bytes from chunk i starting at offset,
// acquiring chunk i's lock for the duration. It returns the number of
// bytes actually read (after EOF clipping).
func (e *Engine) ReadChunk(ctx context.Context, dst []byte, i uint32, offset uint32) (int, error) {
	start := time.Now()
	imageSize, err := e.table.trylock(ctx, i)
	e.counters.ObserveChunkLockWait(time.Since(start))
	if err != nil {
		return 0, err
	}
	defer e.table.unlock(i)

	n, err := e.readChunkUnlocked(ctx, i, imageSize, dst, offset)
	if err != nil {
		return 0, err
	}
	e.counters.AddBytesRead(uint64(n))
	return n, nil
}

// WriteChunk writes up to len(src) bytes into chunk i starting at offset,
// acquiring chunk i's lock for the duration. If the chunk has not yet
// been written to, it is first copied in full into the modified overlay
// (the copy-on-write step) before src is applied.
func (e *Engine) WriteChunk(ctx context.Context, src []byte, i uint32, offset uint32) (int, error) {
	start := time.Now()
	imageSize, err := e.table.trylock(ctx, i)
	e.counters.ObserveChunkLockWait(time.Since(start))
	if err != nil {
		return 0, err
	}
	defer e.table.unlock(i)

	n, err := constrainIO(imageSize, i, e.chunkSize, offset, len(src))
	if err != nil {
		return 0, err
	}
	src = src[:n]
	e.accessed.Set(i)

	if !e.modified.Test(i) {
		chunkStart, _ := chunkmath.Bounds(i, e.chunkSize)
		count := uint64(e.chunkSize)
		if avail := imageSize - chunkStart; avail < count {
			count = avail
		}
		buf := e.bufs.Get()[:count]
		got, rerr := e.readChunkUnlocked(ctx, i, imageSize, buf, 0)
		if rerr != nil {
			e.bufs.Put(buf)
			return 0, rerr
		}
		if uint64(got) < count {
			// Short read underneath the COW copy: per spec.md §7, a
			// write failure must leave the modified bit unset for this
			// chunk, so bail out before touching the overlay at all.
			e.bufs.Put(buf)
			return 0, ErrPrematureEOF
		}
		e.counters.IncChunkDirties()
		err = e.overlay.WriteChunk(i, e.chunkSize, buf[:got], 0)
		e.bufs.Put(buf)
		if err != nil {
			return 0, fmt.Errorf("chunkio: copy chunk %d to overlay: %w", i, err)
		}
	}

	if err := e.overlay.WriteChunk(i, e.chunkSize, src, offset); err != nil {
		return 0, fmt.Errorf("chunkio: write chunk %d: %w", i, err)
	}
	e.counters.AddBytesWritten(uint64(n))
	return n, nil
}

// GetImageSize observes the current logical image size under the
// chunk-state lock.
func (e *Engine) GetImageSize() uint64 {
	return e.table.sizeUnderLock()
}

// Destroy asserts that the chunk-state table is empty, panicking
// otherwise, per spec.md §3's lifecycle contract:
// destruction must never observe a chunk still in use. Callers must
// stop issuing reads and writes before calling Destroy.
func (e *Engine) Destroy() {
	e.table.assertEmpty()
}

// SetImageSize grows or shrinks the logical image size. Truncation may
// need to release the table lock, wait on a chunk, and retry; this is
// expressed as a loop rather than recursion so that an image with many
// chunks cannot overflow the stack.
func (e *Engine) SetImageSize(ctx context.Context, newSize uint64) error {
	for {
		e.table.m.Lock()
		current := e.table.imageSize

		if newSize > current {
			if err := e.overlay.SetSize(current, newSize); err != nil {
				e.table.m.Unlock()
				return fmt.Errorf("chunkio: grow image: %w", err)
			}
			e.table.imageSize = newSize
			e.table.m.Unlock()
			return nil
		}
		if newSize == current {
			e.table.m.Unlock()
			return nil
		}

		// Truncation. Subcase (a): the new size lands inside a partial
		// last chunk that the pristine cache may still cover in full;
		// preserve its tail in the overlay before anyone can shrink the
		// backing file out from under it.
		chunkSize64 := uint64(e.chunkSize)
		partial := newSize%chunkSize64 != 0
		if partial {
			last := chunkmath.IndexForOffset(newSize-1, e.chunkSize)
			if newSize <= e.initialSize && !e.modified.Test(last) {
				e.table.m.Unlock()
				if err := e.preserveTail(ctx, last); err != nil {
					return err
				}
				continue
			}
		}

		// Subcase (b): truncate only as far as the highest busy chunk
		// allows, wait for it to free up, and retry.
		hi := chunkmath.IndexForOffset(current-1, e.chunkSize)
		lo := chunkmath.IndexForOffset(newSize, e.chunkSize)
		if busy, found := e.table.highestBusyInRange(lo, hi); found {
			shrinkTo := (uint64(busy) + 1) * chunkSize64
			if shrinkTo < current {
				if err := e.overlay.SetSize(current, shrinkTo); err != nil {
					e.table.m.Unlock()
					return fmt.Errorf("chunkio: partial shrink image: %w", err)
				}
				e.table.imageSize = shrinkTo
			}
			e.table.m.Unlock()

			_, err := e.table.trylock(ctx, busy)
			if err != nil {
				return err
			}
			e.table.unlock(busy)
			continue
		}

		// No busy chunk stands in the way: shrink straight to newSize.
		if err := e.overlay.SetSize(current, newSize); err != nil {
			e.table.m.Unlock()
			return fmt.Errorf("chunkio: shrink image: %w", err)
		}
		e.table.imageSize = newSize
		e.table.m.Unlock()
		return nil
	}
}

// preserveTail copies chunk last in full into the overlay, reusing the
// write path's copy-on-write step, so that shrinking past it and later
// growing back does not re-expose pristine bytes beyond the new size.
func (e *Engine) preserveTail(ctx context.Context, last uint32) error {
	imageSize, err := e.table.trylock(ctx, last)
	if err != nil {
		return err
	}
	defer e.table.unlock(last)

	chunkStart, _ := chunkmath.Bounds(last, e.chunkSize)
	if chunkStart >= imageSize || e.modified.Test(last) {
		// Raced with another shrink or a write that already dirtied it.
		return nil
	}

	count := uint64(e.chunkSize)
	if avail := imageSize - chunkStart; avail < count {
		count = avail
	}
	buf := e.bufs.Get()[:count]
	defer e.bufs.Put(buf)
	got, rerr := e.readChunkUnlocked(ctx, last, imageSize, buf, 0)
	if rerr != nil {
		return rerr
	}
	if uint64(got) < count {
		return ErrPrematureEOF
	}
	e.counters.IncChunkDirties()
	if err := e.overlay.WriteChunk(last, e.chunkSize, buf[:got], 0); err != nil {
		return fmt.Errorf("chunkio: preserve tail of chunk %d: %w", last, err)
	}
	return nil
}

// fetchData fills buf from the origin starting at logical byte offset,
// splitting the request across segment boundaries when the image is
// segmented. Segments are disjoint slices of buf, so touching segments
// are fetched concurrently via errgroup rather than one at a time; any
// segment failure cancels the group and aborts the whole fetch (spec.md
// §4.5.4: "Any segment failure aborts").
func (e *Engine) fetchData(ctx context.Context, buf []byte, offset uint64, count uint64) error {
	if e.segmentSize == 0 {
		return e.transport.Fetch(ctx, e.urlBase, buf, offset, count)
	}

	g, gctx := errgroup.WithContext(ctx)
	var written uint64
	for written < count {
		pos := offset + written
		segIdx := pos / e.segmentSize
		segOff := pos % e.segmentSize
		n := e.segmentSize - segOff
		if remaining := count - written; n > remaining {
			n = remaining
		}

		url := fmt.Sprintf("%s.%d", e.urlBase, segIdx)
		dst := buf[written : written+n]
		g.Go(func() error {
			return e.transport.Fetch(gctx, url, dst, segOff, n)
		})

		written += n
	}
	return g.Wait()
}
