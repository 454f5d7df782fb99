// Package chunkmath provides chunk-index arithmetic for a fixed, per-image
// chunk size.
//
// Unlike a fixed global chunk size, every image in netimgfs picks its own
// chunk_size at construction, so these helpers take it as a parameter rather
// than baking it in as a package constant.
package chunkmath

// IndexForOffset returns the chunk index that covers the given image byte
// offset.
func IndexForOffset(offset uint64, chunkSize uint32) uint32 {
	return uint32(offset / uint64(chunkSize))
}

// OffsetInChunk returns the offset within its chunk for the given image byte
// offset.
func OffsetInChunk(offset uint64, chunkSize uint32) uint32 {
	return uint32(offset % uint64(chunkSize))
}

// Bounds returns the image-level byte range [start, end) covered by chunk i,
// ignoring image size (the last chunk may be partial; callers must clip
// against the current image size separately).
func Bounds(chunkIdx uint32, chunkSize uint32) (start, end uint64) {
	start = uint64(chunkIdx) * uint64(chunkSize)
	end = start + uint64(chunkSize)
	return start, end
}

// Count returns the number of chunks needed to cover imageSize bytes
// (ceil(imageSize / chunkSize)).
func Count(imageSize uint64, chunkSize uint32) uint32 {
	if imageSize == 0 {
		return 0
	}
	return uint32((imageSize + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// ValidLength returns the number of valid bytes in chunk i given the current
// image size: chunkSize for any chunk entirely below the image size, the
// remainder for the last (possibly partial) chunk, and 0 for chunks entirely
// past the image size.
func ValidLength(chunkIdx uint32, chunkSize uint32, imageSize uint64) uint32 {
	start, _ := Bounds(chunkIdx, chunkSize)
	if start >= imageSize {
		return 0
	}
	remaining := imageSize - start
	if remaining >= uint64(chunkSize) {
		return chunkSize
	}
	return uint32(remaining)
}
