// Package dirfs serves a local directory tree, read-only, as a provider
// filesystem.
package dirfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"vfsprovider/provider"
	"vfsprovider/vfs"
)

const (
	defaultPageSize = 64
	directoryMime   = "text/directory"
)

var _ provider.Handler = (*Dir)(nil)

// Dir is a provider.Handler rooted at a local directory. Paths can not
// escape the root.
type Dir struct {
	root     *os.Root
	pageSize int

	mu   sync.Mutex
	open map[vfs.RequestID]*os.File
}

// Open roots a Dir at dir. pageSize bounds the entries sent per listing
// delivery; zero picks a default.
func Open(dir string, pageSize int) (*Dir, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Dir{root: root, pageSize: pageSize, open: make(map[vfs.RequestID]*os.File)}, nil
}

// rel turns a provider path into one relative to the root.
func rel(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "."
	}
	return p
}

func mapError(p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", vfs.ErrNotFound, p)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", vfs.ErrAccessDenied, p)
	}
	return err
}

func (d *Dir) metadata(name string, info fs.FileInfo, full string) vfs.EntryMetadata {
	md := vfs.EntryMetadata{
		Name:             name,
		IsDirectory:      info.IsDir(),
		ModificationTime: info.ModTime(),
		MimeType:         directoryMime,
	}
	if !info.IsDir() {
		md.Size = uint64(info.Size())
		md.MimeType = d.detect(full)
	}
	return md
}

func (d *Dir) detect(p string) string {
	f, err := d.root.Open(p)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	m, err := mimetype.DetectReader(f)
	if err != nil {
		return "application/octet-stream"
	}
	return m.String()
}

func (d *Dir) GetMetadata(ctx context.Context, entryPath string) (vfs.EntryMetadata, error) {
	r := rel(entryPath)
	info, err := d.root.Stat(r)
	if err != nil {
		return vfs.EntryMetadata{}, mapError(entryPath, err)
	}
	name := path.Base(path.Clean("/" + entryPath))
	return d.metadata(name, info, r), nil
}

func (d *Dir) OpenFile(ctx context.Context, openID vfs.RequestID, filePath string, mode vfs.OpenMode) error {
	if mode != vfs.OpenRead {
		return fmt.Errorf("%w: %s is served read-only", vfs.ErrAccessDenied, filePath)
	}
	f, err := d.root.Open(rel(filePath))
	if err != nil {
		return mapError(filePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return mapError(filePath, err)
	}
	if info.IsDir() {
		f.Close()
		return fmt.Errorf("%w: %s is a directory", vfs.ErrInvalidArgument, filePath)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// An aborted open has been forgotten by the host.
	if err := ctx.Err(); err != nil {
		f.Close()
		return err
	}
	d.open[openID] = f
	return nil
}

func (d *Dir) CloseFile(ctx context.Context, openID vfs.RequestID) error {
	d.mu.Lock()
	f, ok := d.open[openID]
	delete(d.open, openID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: request %d", vfs.ErrNotOpen, openID)
	}
	return f.Close()
}

func (d *Dir) ReadDirectory(ctx context.Context, dirPath string, emit func([]vfs.EntryMetadata) error) error {
	r := rel(dirPath)
	f, err := d.root.Open(r)
	if err != nil {
		return mapError(dirPath, err)
	}
	defer f.Close()

	sent := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := f.ReadDir(d.pageSize)
		if len(batch) > 0 {
			page := make([]vfs.EntryMetadata, 0, len(batch))
			for _, e := range batch {
				info, infoErr := e.Info()
				if infoErr != nil {
					log.Debug().Err(infoErr).Str("entry", e.Name()).Msg("skipping entry")
					continue
				}
				page = append(page, d.metadata(e.Name(), info, path.Join(r, e.Name())))
			}
			if err := emit(page); err != nil {
				return err
			}
			sent = true
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return mapError(dirPath, err)
		}
	}
	if !sent {
		return emit(nil)
	}
	return nil
}

func (d *Dir) ReadFile(ctx context.Context, openID vfs.RequestID, offset, length int64) ([]byte, error) {
	d.mu.Lock()
	f, ok := d.open[openID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: request %d", vfs.ErrNotOpen, openID)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset > info.Size() {
		return nil, fmt.Errorf("%w: offset %d beyond size %d", vfs.ErrOutOfRange, offset, info.Size())
	}
	buf := make([]byte, min(length, info.Size()-offset))
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases every open file and the root.
func (d *Dir) Close() error {
	d.mu.Lock()
	for id, f := range d.open {
		f.Close()
		delete(d.open, id)
	}
	d.mu.Unlock()
	return d.root.Close()
}
