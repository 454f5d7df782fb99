// Package fuseadapter is the thin FUSE translation layer: it maps VFS
// byte ranges onto one internal/image call per chunk touched. It holds
// no cache state of its own and makes no fetch/eviction decisions;
// those live entirely in internal/chunkio.
package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/netimgfs/netimgfs/internal/image"
)

// ImageNode is a single regular file backed by an *image.Image. A mount
// exposes one ImageNode per image (normally "disk" and "memory"). It
// holds no lock of its own: internal/chunkio already serializes access
// at chunk granularity, so concurrent FUSE reads/writes against
// different chunks of the same image must proceed in parallel
// (spec.md §5) rather than queue behind a node-wide mutex.
type ImageNode struct {
	fs.Inode

	img *image.Image
}

var (
	_ fs.NodeGetattrer = (*ImageNode)(nil)
	_ fs.NodeOpener    = (*ImageNode)(nil)
	_ fs.NodeReader    = (*ImageNode)(nil)
	_ fs.NodeWriter    = (*ImageNode)(nil)
	_ fs.NodeSetattrer = (*ImageNode)(nil)
	_ fs.NodeFlusher   = (*ImageNode)(nil)
)

// NewImageNode wraps img as a FUSE node.
func NewImageNode(img *image.Image) *ImageNode {
	return &ImageNode{img: img}
}

func (n *ImageNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Size = n.img.GetImageSize()
	out.Mode = 0
	out.Blksize = n.img.ChunkSize()
	return 0
}

func (n *ImageNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

// Read services one VFS read by walking the chunks [off, off+len(dest))
// overlaps and issuing one ReadChunk call per chunk, per spec.md's
// "maps VFS byte ranges onto chunk I/O calls" contract.
func (n *ImageNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	chunkSize := uint64(n.img.ChunkSize())
	if chunkSize == 0 {
		return nil, syscall.EIO
	}

	total := 0
	pos := uint64(off)
	for total < len(dest) {
		chunkIdx := uint32(pos / chunkSize)
		chunkOff := uint32(pos % chunkSize)

		nRead, err := n.img.ReadChunk(ctx, dest[total:], chunkIdx, chunkOff)
		if nRead > 0 {
			total += nRead
			pos += uint64(nRead)
		}
		if err != nil {
			break
		}
		if nRead == 0 {
			break
		}
	}

	return fuse.ReadResultData(dest[:total]), 0
}

// Write services one VFS write by walking the chunks [off, off+len(data))
// overlaps and issuing one WriteChunk call per chunk.
func (n *ImageNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	chunkSize := uint64(n.img.ChunkSize())
	if chunkSize == 0 {
		return 0, syscall.EIO
	}

	total := 0
	pos := uint64(off)
	for total < len(data) {
		chunkIdx := uint32(pos / chunkSize)
		chunkOff := uint32(pos % chunkSize)

		nWritten, err := n.img.WriteChunk(ctx, data[total:], chunkIdx, chunkOff)
		if nWritten > 0 {
			total += nWritten
			pos += uint64(nWritten)
		}
		if err != nil {
			return uint32(total), syscall.EIO
		}
		if nWritten == 0 {
			break
		}
	}

	return uint32(total), 0
}

// Setattr only supports truncation (FATTR_SIZE); every other attribute
// change is accepted and ignored, matching a cache that has no owner,
// mode, or timestamp model of its own.
func (n *ImageNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := n.img.SetImageSize(ctx, size); err != nil {
			return syscall.EIO
		}
	}
	out.Size = n.img.GetImageSize()
	out.Blksize = n.img.ChunkSize()
	return 0
}

func (n *ImageNode) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return 0
}
