// Package modified implements the ephemeral copy-on-write overlay backing
// chunks the guest has written to. Unlike the pristine store, the modified
// store never persists across process restarts: its backing file is
// unlinked immediately after it is created, so its lifetime is bound to the
// process (per spec, the modified overlay is explicitly out of scope for
// crash/restart persistence).
package modified

import (
	"fmt"
	"os"

	"github.com/netimgfs/netimgfs/internal/bitmap"
)

// Store is the on-disk COW overlay for one image, sized to the image's
// current logical size.
type Store struct {
	file     *os.File
	modified *bitmap.Bitmap
}

// Open creates an ephemeral backing file of size initialSize under dir and
// unlinks it immediately. modified is the image's modified bitmap.
func Open(dir string, initialSize uint64, modifiedBitmap *bitmap.Bitmap) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("modified: create cache dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "modified-overlay-*")
	if err != nil {
		return nil, fmt.Errorf("modified: create overlay file: %w", err)
	}
	name := f.Name()
	if err := f.Truncate(int64(initialSize)); err != nil {
		f.Close()
		os.Remove(name)
		return nil, fmt.Errorf("modified: size overlay file: %w", err)
	}
	// Unlink now: the directory entry is no longer needed once the fd is
	// held open. The file's storage is released when the last fd (ours)
	// closes, matching the "modified data is ephemeral" non-goal.
	if err := os.Remove(name); err != nil {
		f.Close()
		return nil, fmt.Errorf("modified: unlink overlay file: %w", err)
	}

	return &Store{file: f, modified: modifiedBitmap}, nil
}

// WriteChunk writes data into chunk chunkIdx's region of the overlay at the
// given offset, and sets the modified bit for chunkIdx on success.
func (s *Store) WriteChunk(chunkIdx uint32, chunkSize uint32, data []byte, offset uint32) error {
	pos := int64(chunkIdx)*int64(chunkSize) + int64(offset)
	n, err := s.file.WriteAt(data, pos)
	if err != nil {
		return fmt.Errorf("modified: write chunk %d: %w", chunkIdx, err)
	}
	if n != len(data) {
		return fmt.Errorf("modified: short write on chunk %d: wrote %d want %d", chunkIdx, n, len(data))
	}
	s.modified.Set(chunkIdx)
	return nil
}

// ReadChunk reads len(dst) bytes from chunk chunkIdx's region of the
// overlay starting at offset. Requires the modified bit to already be set
// for chunkIdx. Callers must have already clipped len(dst) to the bytes
// actually available past offset (internal/chunkio.constrainIO does
// this); ReadChunk has no notion of image_size of its own and treats
// any short read as an error rather than a clip.
func (s *Store) ReadChunk(chunkIdx uint32, chunkSize uint32, dst []byte, offset uint32) error {
	pos := int64(chunkIdx)*int64(chunkSize) + int64(offset)
	n, err := s.file.ReadAt(dst, pos)
	if err != nil {
		return fmt.Errorf("modified: read chunk %d: %w", chunkIdx, err)
	}
	if n != len(dst) {
		return fmt.Errorf("modified: short read on chunk %d: got %d want %d", chunkIdx, n, len(dst))
	}
	return nil
}

// SetSize resizes the backing file from old to new bytes. Growing fills
// the new region with zeros; shrinking discards bytes past new, both via
// plain POSIX truncate semantics.
func (s *Store) SetSize(old, new uint64) error {
	if err := s.file.Truncate(int64(new)); err != nil {
		return fmt.Errorf("modified: resize overlay %d -> %d: %w", old, new, err)
	}
	return nil
}

// Close releases the overlay's file descriptor, which also frees its
// backing storage (the file was unlinked at Open).
func (s *Store) Close() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("modified: close overlay: %w", err)
	}
	return nil
}
