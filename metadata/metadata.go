// Package metadata maps provider entry metadata onto FUSE attributes.
//
// Example usage:
//
//	var out fuse.AttrOut
//	metadata.Fill(&out.Attr, md, metadata.Options{Writable: false, Fallback: start})
package metadata

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"vfsprovider/vfs"
)

const blockSize = 512

// Options controls how entries are presented.
type Options struct {
	// Writable grants the owner write permission bits.
	Writable bool
	// Fallback is used for timestamps the provider did not report.
	Fallback time.Time
	// Owner, if set, is applied as the uid/gid of every entry.
	Owner *fuse.Owner
}

// Timestamps holds the filesystem timestamps of an entry.
type Timestamps struct {
	Ctime time.Time
	Mtime time.Time
	Atime time.Time
}

// FromEntry derives timestamps from provider metadata. Providers report a
// single modification time, which stands in for all three.
func FromEntry(md vfs.EntryMetadata) Timestamps {
	return Timestamps{Ctime: md.ModificationTime, Mtime: md.ModificationTime, Atime: md.ModificationTime}
}

// Apply sets the timestamps on a fuse.Attr struct.
// Only non-zero timestamps are applied.
func (t Timestamps) Apply(attr *fuse.Attr) {
	if !t.Ctime.IsZero() {
		attr.Ctime = uint64(t.Ctime.Unix())
		attr.Ctimensec = uint32(t.Ctime.Nanosecond())
	}
	if !t.Mtime.IsZero() {
		attr.Mtime = uint64(t.Mtime.Unix())
		attr.Mtimensec = uint32(t.Mtime.Nanosecond())
	}
	if !t.Atime.IsZero() {
		attr.Atime = uint64(t.Atime.Unix())
		attr.Atimensec = uint32(t.Atime.Nanosecond())
	}
}

// ApplyWithFallback sets the timestamps on a fuse.Attr struct, using a
// fallback time for any timestamp that is zero.
func (t Timestamps) ApplyWithFallback(attr *fuse.Attr, fallback time.Time) {
	if t.Ctime.IsZero() {
		t.Ctime = fallback
	}
	if t.Mtime.IsZero() {
		t.Mtime = fallback
	}
	if t.Atime.IsZero() {
		t.Atime = fallback
	}
	t.Apply(attr)
}

// Mode returns the file type and permission bits for an entry.
func Mode(md vfs.EntryMetadata, writable bool) uint32 {
	if md.IsDirectory {
		if writable {
			return fuse.S_IFDIR | 0755
		}
		return fuse.S_IFDIR | 0555
	}
	if writable {
		return fuse.S_IFREG | 0644
	}
	return fuse.S_IFREG | 0444
}

// Fill populates attr from md.
func Fill(attr *fuse.Attr, md vfs.EntryMetadata, opts Options) {
	attr.Mode = Mode(md, opts.Writable)
	attr.Nlink = 1
	if md.IsDirectory {
		attr.Nlink = 2
	} else {
		attr.Size = md.Size
		attr.Blocks = (md.Size + blockSize - 1) / blockSize
	}
	attr.Blksize = 4096
	if opts.Owner != nil {
		attr.Owner = *opts.Owner
	}
	FromEntry(md).ApplyWithFallback(attr, opts.Fallback)
}

// Directory fills attr for a directory the provider could not describe.
func Directory(attr *fuse.Attr, opts Options) {
	Fill(attr, vfs.EntryMetadata{IsDirectory: true}, opts)
}
