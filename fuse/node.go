// Package fuse exposes mounted provider file systems as FUSE trees.
package fuse

import (
	"context"
	"errors"
	"hash/fnv"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"vfsprovider/metadata"
	"vfsprovider/vfs"
)

// MimeTypeXattr carries an entry's MIME type as reported by its provider.
const MimeTypeXattr = "user.mime_type"

// tree is shared by every node of one mounted file system.
type tree struct {
	client  vfs.FileSystemClient
	attrs   metadata.Options
	ttl     time.Duration
	lookups singleflight.Group
}

// NewRoot returns the root node of a FUSE tree backed by c. Attributes are
// cached by the kernel for ttl. A non-nil owner is reported as the uid/gid
// of every entry.
func NewRoot(c vfs.FileSystemClient, ttl time.Duration, owner *fuse.Owner) fs.InodeEmbedder {
	t := &tree{
		client: c,
		attrs: metadata.Options{
			Writable: c.Options().Writable,
			Fallback: time.Now(),
			Owner:    owner,
		},
		ttl: ttl,
	}
	return &dirNode{tree: t, path: "/"}
}

// metadata fetches the metadata of p. Concurrent calls for the same path
// share one provider request, which outlives any single caller: a caller
// whose ctx ends returns early without failing the others.
func (t *tree) metadata(ctx context.Context, p string) (vfs.EntryMetadata, error) {
	ch := t.lookups.DoChan(p, func() (any, error) {
		return t.client.GetMetadata(context.WithoutCancel(ctx), p)
	})
	select {
	case <-ctx.Done():
		return vfs.EntryMetadata{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return vfs.EntryMetadata{}, res.Err
		}
		return res.Val.(vfs.EntryMetadata), nil
	}
}

func (t *tree) errno(op, p string, err error) syscall.Errno {
	errno := toErrno(err)
	if errno != syscall.ENOENT {
		log.Debug().
			Str("fileSystemId", t.client.ID()).
			Str("op", op).
			Str("path", p).
			Err(err).
			Msg("fuse operation failed")
	}
	return errno
}

// stableIno derives an inode number from the file system id, entry kind
// and path, so that the same entry keeps its number across lookups.
func stableIno(parts ...string) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	// Ino=0 means auto-assign in go-fuse.
	ino := h.Sum64()
	if ino == 0 {
		ino = 1
	}
	return ino
}

func kind(md vfs.EntryMetadata) string {
	if md.IsDirectory {
		return "dir"
	}
	return "file"
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

func (t *tree) newChild(ctx context.Context, parent *fs.Inode, p string, md vfs.EntryMetadata) *fs.Inode {
	attr := fs.StableAttr{
		Mode: metadata.Mode(md, false) & syscall.S_IFMT,
		Ino:  stableIno(t.client.ID(), kind(md), p),
	}
	if md.IsDirectory {
		return parent.NewInode(ctx, &dirNode{tree: t, path: p}, attr)
	}
	return parent.NewInode(ctx, &fileNode{tree: t, path: p}, attr)
}

// --- dirNode ---

type dirNode struct {
	fs.Inode
	tree *tree
	path string
}

var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))
var _ = (fs.NodeGetxattrer)((*dirNode)(nil))

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !validName(name) {
		return nil, syscall.ENOENT
	}
	p := path.Join(d.path, name)
	md, err := d.tree.metadata(ctx, p)
	if err != nil {
		return nil, d.tree.errno("lookup", p, err)
	}
	metadata.Fill(&out.Attr, md, d.tree.attrs)
	out.SetEntryTimeout(d.tree.ttl)
	out.SetAttrTimeout(d.tree.ttl)
	return d.tree.newChild(ctx, d.EmbeddedInode(), p, md), 0
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := d.tree.client.ReadDirectory(ctx, d.path)
	if err != nil {
		return nil, d.tree.errno("readdir", d.path, err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, md := range entries {
		if !validName(md.Name) {
			continue
		}
		p := path.Join(d.path, md.Name)
		out = append(out, fuse.DirEntry{
			Name: md.Name,
			Mode: metadata.Mode(md, false) & syscall.S_IFMT,
			Ino:  stableIno(d.tree.client.ID(), kind(md), p),
		})
	}
	return fs.NewListDirStream(out), 0
}

func (d *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	md, err := d.tree.metadata(ctx, d.path)
	switch {
	case err == nil:
		metadata.Fill(&out.Attr, md, d.tree.attrs)
	case d.path == "/" && !errors.Is(err, context.Canceled):
		// The mount point must stay stat-able even when the provider
		// cannot describe its root.
		metadata.Directory(&out.Attr, d.tree.attrs)
	default:
		return d.tree.errno("getattr", d.path, err)
	}
	out.SetTimeout(d.tree.ttl)
	return 0
}

func (d *dirNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return d.tree.getxattr(ctx, d.path, attr, dest)
}

// --- fileNode ---

type fileNode struct {
	fs.Inode
	tree *tree
	path string
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeReader)((*fileNode)(nil))
var _ = (fs.NodeReleaser)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))
var _ = (fs.NodeGetxattrer)((*fileNode)(nil))

// handle is the open file; its id is the open request id.
type handle struct {
	openID vfs.RequestID
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	mode := vfs.OpenRead
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		mode = vfs.OpenWrite
	}
	openID, err := f.tree.client.Open(ctx, f.path, mode)
	if err != nil {
		return nil, 0, f.tree.errno("open", f.path, err)
	}
	return &handle{openID: openID}, 0, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*handle)
	if !ok {
		return nil, syscall.EBADF
	}
	data, err := f.tree.client.Read(ctx, h.openID, off, int64(len(dest)))
	if errors.Is(err, vfs.ErrOutOfRange) {
		return fuse.ReadResultData(nil), 0
	}
	if err != nil {
		return nil, f.tree.errno("read", f.path, err)
	}
	return fuse.ReadResultData(data), 0
}

func (f *fileNode) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*handle)
	if !ok {
		return syscall.EBADF
	}
	if err := f.tree.client.Close(ctx, h.openID); err != nil {
		return f.tree.errno("release", f.path, err)
	}
	return 0
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	md, err := f.tree.metadata(ctx, f.path)
	if err != nil {
		return f.tree.errno("getattr", f.path, err)
	}
	metadata.Fill(&out.Attr, md, f.tree.attrs)
	out.SetTimeout(f.tree.ttl)
	return 0
}

func (f *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return f.tree.getxattr(ctx, f.path, attr, dest)
}

func (t *tree) getxattr(ctx context.Context, p, attr string, dest []byte) (uint32, syscall.Errno) {
	if attr != MimeTypeXattr {
		return 0, syscall.ENODATA
	}
	md, err := t.metadata(ctx, p)
	if err != nil {
		return 0, t.errno("getxattr", p, err)
	}
	if md.MimeType == "" {
		return 0, syscall.ENODATA
	}
	size := uint32(len(md.MimeType))
	if len(dest) == 0 {
		return size, 0
	}
	if len(dest) < len(md.MimeType) {
		return size, syscall.ERANGE
	}
	return uint32(copy(dest, md.MimeType)), 0
}
