// Package pristine implements the durable, content-addressed cache of
// chunks as originally fetched from the origin. Once written, a chunk's
// file is immutable.
package pristine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/netimgfs/netimgfs/internal/bitmap"
)

// ErrNotPresent is returned by ReadChunk when the requested chunk has not
// been published yet.
var ErrNotPresent = errors.New("pristine: chunk not present")

// Store is the on-disk pristine cache for one image. It is safe for
// concurrent use: distinct chunks never contend, and a chunk is only ever
// written once (by whichever caller wins the race to fetch it).
type Store struct {
	dir     string
	present *bitmap.Bitmap

	mu      sync.Mutex
	handles map[uint32]*os.File
}

// Open creates (if needed) the pristine directory under dir and returns a
// Store backed by it. present is the image's present bitmap; Open rebuilds
// it by checking which chunk files already exist on disk, matching the
// documented "present bitmap rebuilt from the pristine store on startup"
// behavior.
func Open(dir string, maxChunks uint32, present *bitmap.Bitmap) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pristine: create cache dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		present: present,
		handles: make(map[uint32]*os.File),
	}
	for i := uint32(0); i < maxChunks; i++ {
		if _, err := os.Stat(s.path(i)); err == nil {
			present.Set(i)
		}
	}
	return s, nil
}

func (s *Store) path(chunkIdx uint32) string {
	return filepath.Join(s.dir, strconv.FormatUint(uint64(chunkIdx), 10))
}

// WriteChunk atomically publishes the full contents of chunk chunkIdx. On
// success the present bit for chunkIdx is set (idempotent if already set).
// On failure the present bit remains clear and no partial file is ever
// visible to readers: the data is written to a temp file in the same
// directory, fsynced, then renamed into place.
func (s *Store) WriteChunk(chunkIdx uint32, buf []byte) error {
	if s.present.Test(chunkIdx) {
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".tmp-%d-*", chunkIdx))
	if err != nil {
		return fmt.Errorf("pristine: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("pristine: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("pristine: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pristine: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(chunkIdx)); err != nil {
		return fmt.Errorf("pristine: publish chunk %d: %w", chunkIdx, err)
	}

	s.present.Set(chunkIdx)
	return nil
}

// ReadChunk reads len(dst) bytes starting at offset within chunk chunkIdx.
// Requires the present bit to already be set for chunkIdx. Callers must
// have already clipped len(dst) to the bytes actually available past
// offset (internal/chunkio.constrainIO does this); ReadChunk has no
// notion of image_size of its own and treats any short read as an
// error rather than a clip.
func (s *Store) ReadChunk(chunkIdx uint32, dst []byte, offset uint32) error {
	if !s.present.Test(chunkIdx) {
		return ErrNotPresent
	}

	f, err := s.handle(chunkIdx)
	if err != nil {
		return err
	}

	n, err := f.ReadAt(dst, int64(offset))
	if err != nil {
		return fmt.Errorf("pristine: read chunk %d: %w", chunkIdx, err)
	}
	if n != len(dst) {
		return fmt.Errorf("pristine: short read on chunk %d: got %d want %d", chunkIdx, n, len(dst))
	}
	return nil
}

func (s *Store) handle(chunkIdx uint32) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.handles[chunkIdx]; ok {
		return f, nil
	}
	f, err := os.Open(s.path(chunkIdx))
	if err != nil {
		return nil, fmt.Errorf("pristine: open chunk %d: %w", chunkIdx, err)
	}
	s.handles[chunkIdx] = f
	return f, nil
}

// Close releases all open file handles. It does not delete any on-disk
// data (the pristine cache grows monotonically and outlives the process,
// per spec).
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for idx, f := range s.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, idx)
	}
	return firstErr
}
