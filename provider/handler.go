// Package provider is the provider side of the virtual file system
// protocol: it turns requests from the host into calls on a Handler and
// sends the results back.
package provider

import (
	"context"

	"vfsprovider/vfs"
)

// Handler serves the requests of one mounted filesystem. Every method runs
// on its own goroutine and ctx is cancelled when the host aborts the
// request or the filesystem goes away. Errors wrapping a vfs sentinel
// (vfs.ErrNotFound, ...) keep their kind on the host side.
type Handler interface {
	GetMetadata(ctx context.Context, entryPath string) (vfs.EntryMetadata, error)
	// OpenFile opens filePath. openID identifies the file in later
	// ReadFile and CloseFile calls.
	OpenFile(ctx context.Context, openID vfs.RequestID, filePath string, mode vfs.OpenMode) error
	CloseFile(ctx context.Context, openID vfs.RequestID) error
	// ReadDirectory lists dirPath, passing entries to emit in listing
	// order. It may call emit any number of times; each call becomes one
	// delivery to the host.
	ReadDirectory(ctx context.Context, dirPath string, emit func([]vfs.EntryMetadata) error) error
	ReadFile(ctx context.Context, openID vfs.RequestID, offset, length int64) ([]byte, error)
}

// Unmounter is implemented by handlers that release resources when the
// host unmounts them.
type Unmounter interface {
	Unmount(ctx context.Context) error
}
