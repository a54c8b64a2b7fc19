// Package mount exposes the archive namespace as a read-only FUSE
// filesystem. Every kernel request becomes a gateway request, so the
// archive is still touched by a single goroutine no matter how many
// processes read the mount.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jchantrell/ggpkfs/internal/archive"
	"github.com/jchantrell/ggpkfs/internal/namespace"
)

// Tree is the part of the gateway the filesystem needs
type Tree interface {
	Stat(ctx context.Context, path string) (namespace.Node, error)
	List(ctx context.Context, path string) ([]namespace.Node, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted. It is
	// created if it does not exist.
	Mountpoint string

	Tree Tree

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Timeout bounds each gateway request made for the kernel. Zero
	// means no bound.
	Timeout time.Duration

	Logger *slog.Logger
}

// Mount mounts the namespace at the configured mountpoint. The caller
// must call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Tree == nil {
		return nil, fmt.Errorf("tree is required")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options}

	// the archive never changes while mounted
	entryTimeout := time.Minute
	attrTimeout := time.Minute
	negativeTimeout := 10 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "ggpkfs",
			Name:       "ggpkfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("Archive mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

func (o *Options) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.Timeout)
}

// errno maps a gateway error onto the errno the kernel should see
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, archive.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	default:
		return syscall.EIO
	}
}

// dirNode is a directory of the namespace. Children are looked up lazily.
type dirNode struct {
	gofuse.Inode
	options *Options
	node    namespace.Node
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	ctx, cancel := d.options.context(ctx)
	defer cancel()

	n, err := d.options.Tree.Stat(ctx, namespace.Join(d.node.Path, name))
	if err != nil {
		if e := errno(err); e != syscall.ENOENT {
			d.options.Logger.Warn("Lookup failed", "path", namespace.Join(d.node.Path, name), "error", err)
			return nil, e
		}
		return nil, syscall.ENOENT
	}

	fillAttr(n, &out.Attr)

	if n.IsDir() {
		child := &dirNode{options: d.options, node: n}
		return d.NewInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
	}

	child := &fileNode{options: d.options, node: n}
	return d.NewInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	ctx, cancel := d.options.context(ctx)
	defer cancel()

	nodes, err := d.options.Tree.List(ctx, d.node.Path)
	if err != nil {
		d.options.Logger.Warn("Readdir failed", "path", d.node.Path, "error", err)
		return nil, errno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(nodes))
	for _, n := range nodes {
		mode := uint32(syscall.S_IFREG)
		if n.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: n.Name, Mode: mode})
	}

	return gofuse.NewListDirStream(entries), 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(d.node, &out.Attr)
	return 0
}

// fileNode is a loose or bundled file. Its contents are read through the
// gateway when the file is opened and held by the handle until release.
type fileNode struct {
	gofuse.Inode
	options *Options
	node    namespace.Node
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(f.node, &out.Attr)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	ctx, cancel := f.options.context(ctx)
	defer cancel()

	data, err := f.options.Tree.Read(ctx, f.node.Path)
	if err != nil {
		f.options.Logger.Warn("Open failed", "path", f.node.Path, "error", err)
		return nil, 0, errno(err)
	}

	// contents are immutable, so the page cache stays valid
	return &fileHandle{data: data}, fuse.FOPEN_KEEP_CACHE, 0
}

// fileHandle serves reads from the contents loaded at open
type fileHandle struct {
	data []byte
}

var _ gofuse.FileReader = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fuse.ReadResultData(h.slice(len(dest), off)), 0
}

func (h *fileHandle) slice(n int, off int64) []byte {
	if off < 0 || off >= int64(len(h.data)) {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return h.data[off:end]
}

func fillAttr(n namespace.Node, attr *fuse.Attr) {
	if n.IsDir() {
		attr.Mode = syscall.S_IFDIR | 0o555
	} else {
		attr.Mode = syscall.S_IFREG | 0o444
		attr.Size = uint64(n.Size)
		attr.Blocks = (attr.Size + 511) / 512
	}
	if !n.ModTime.IsZero() {
		mtime := n.ModTime
		attr.SetTimes(nil, &mtime, &mtime)
	}
}
