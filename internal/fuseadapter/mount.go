package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/netimgfs/netimgfs/internal/image"
)

// root is the mount's single directory; it exposes one regular file per
// named image, mirroring the vmnetx mountpoint layout ("disk", "memory").
type root struct {
	fs.Inode

	images map[string]*image.Image
}

var _ fs.NodeOnAdder = (*root)(nil)

func (r *root) OnAdd(ctx context.Context) {
	for name, img := range r.images {
		child := r.NewPersistentInode(ctx, NewImageNode(img), fs.StableAttr{Mode: syscall.S_IFREG})
		r.AddChild(name, child, false)
	}
}

func (r *root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0755
	return 0
}

var _ fs.NodeGetattrer = (*root)(nil)

// Mount mounts images (keyed by file name, e.g. "disk", "memory") at
// mountpoint and returns the running *fuse.Server. Unmount is the
// caller's responsibility (server.Unmount() or process exit).
func Mount(mountpoint string, images map[string]*image.Image) (*fuse.Server, error) {
	r := &root{images: images}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:        "netimgfs",
			Name:          "netimgfs",
			DisableXAttrs: true,
		},
	}
	server, err := fs.Mount(mountpoint, r, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}
