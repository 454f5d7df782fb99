// Package chunkio implements the chunk I/O engine: per-chunk locking,
// demand-fetch reads, copy-on-write writes, and logical resize, composed
// from the bitmap, pristine, modified, and transport packages. It is the
// core of the image's read/write path.
package chunkio

import "errors"

// Sentinel errors returned by the engine. Lower-layer errors (transport,
// pristine, modified) are wrapped and propagated as-is; errors.Is still
// matches the originals.
var (
	// ErrEOF is returned when a read or write starts at or past the
	// current image size.
	ErrEOF = errors.New("chunkio: EOF")

	// ErrPrematureEOF is returned when a lower layer returned fewer
	// bytes than the engine required and no more specific error is
	// already in flight.
	ErrPrematureEOF = errors.New("chunkio: premature EOF")

	// ErrInterrupted is returned when the caller's context was
	// cancelled while waiting for a chunk lock.
	ErrInterrupted = errors.New("chunkio: interrupted")
)
