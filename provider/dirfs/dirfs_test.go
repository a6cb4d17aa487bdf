package dirfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsprovider/vfs"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "test"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test", "dummy.txt"), []byte("ABCDE"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("world"), 0o644))

	d, err := Open(dir, 2)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRel(t *testing.T) {
	assert.Equal(t, ".", rel("/"))
	assert.Equal(t, ".", rel(""))
	assert.Equal(t, "test/dummy.txt", rel("/test/dummy.txt"))
	assert.Equal(t, "x", rel("/../../x"))
}

func TestGetMetadata(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	md, err := d.GetMetadata(ctx, "/test/dummy.txt")
	require.NoError(t, err)
	assert.Equal(t, "dummy.txt", md.Name)
	assert.False(t, md.IsDirectory)
	assert.Equal(t, uint64(5), md.Size)
	assert.Contains(t, md.MimeType, "text/plain")

	md, err = d.GetMetadata(ctx, "/test")
	require.NoError(t, err)
	assert.True(t, md.IsDirectory)
	assert.Equal(t, "text/directory", md.MimeType)

	_, err = d.GetMetadata(ctx, "/missing")
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestReadDirectory_Paged(t *testing.T) {
	d := newTestDir(t)
	var pages [][]vfs.EntryMetadata
	err := d.ReadDirectory(context.Background(), "/", func(entries []vfs.EntryMetadata) error {
		pages = append(pages, entries)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, pages, 2)

	names := map[string]bool{}
	for _, page := range pages {
		assert.LessOrEqual(t, len(page), 2)
		for _, e := range page {
			names[e.Name] = true
		}
	}
	assert.Equal(t, map[string]bool{"test": true, "a.txt": true, "b.txt": true}, names)
}

func TestReadDirectory_Empty(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, 0)
	require.NoError(t, err)
	defer d.Close()

	calls := 0
	err = d.ReadDirectory(context.Background(), "/", func(entries []vfs.EntryMetadata) error {
		calls++
		assert.Empty(t, entries)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestOpenReadClose(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	require.NoError(t, d.OpenFile(ctx, 3, "/test/dummy.txt", vfs.OpenRead))

	data, err := d.ReadFile(ctx, 3, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", string(data))

	data, err = d.ReadFile(ctx, 3, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, "CDE", string(data))

	data, err = d.ReadFile(ctx, 3, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = d.ReadFile(ctx, 3, 6, 1)
	assert.ErrorIs(t, err, vfs.ErrOutOfRange)

	require.NoError(t, d.CloseFile(ctx, 3))
	assert.ErrorIs(t, d.CloseFile(ctx, 3), vfs.ErrNotOpen)
}

func TestOpenFile_Rejections(t *testing.T) {
	d := newTestDir(t)
	ctx := context.Background()

	assert.ErrorIs(t, d.OpenFile(ctx, 1, "/a.txt", vfs.OpenWrite), vfs.ErrAccessDenied)
	assert.ErrorIs(t, d.OpenFile(ctx, 1, "/test", vfs.OpenRead), vfs.ErrInvalidArgument)
	assert.ErrorIs(t, d.OpenFile(ctx, 1, "/nope", vfs.OpenRead), vfs.ErrNotFound)
}

func TestOpenFile_Aborted(t *testing.T) {
	d := newTestDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, d.OpenFile(ctx, 4, "/test/dummy.txt", vfs.OpenRead), context.Canceled)
	d.mu.Lock()
	assert.Empty(t, d.open)
	d.mu.Unlock()
	_, err := d.ReadFile(context.Background(), 4, 0, 1)
	assert.ErrorIs(t, err, vfs.ErrNotOpen)
}
