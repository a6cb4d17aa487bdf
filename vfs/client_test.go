package vfs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsprovider/vfs"
)

// serveDummy answers requests the way the test provider page does: one
// file holding "ABCDE" and a two-entry root listing.
func serveDummy(t *testing.T, f *vfs.Filesystem, tr *manualTransport) {
	for {
		var req vfs.Request
		select {
		case req = <-tr.reqs:
		case <-time.After(waitTimeout):
			return
		}
		switch o := req.Options.(type) {
		case vfs.GetMetadataOptions:
			if o.EntryPath != "/test/dummy.txt" {
				replyErr(f, req.ID, vfs.ErrNotFound)
				continue
			}
			reply(f, req.ID, vfs.GetMetadataValue{Metadata: entry("dummy.txt", false, 5, 1000, "text/plain")}, false)
		case vfs.ReadDirectoryOptions:
			reply(f, req.ID, vfs.ReadDirectoryValue{Entries: []vfs.EntryMetadata{
				entry("test", true, 999, 100, "text/directory"),
			}}, true)
			reply(f, req.ID, vfs.ReadDirectoryValue{Entries: []vfs.EntryMetadata{
				entry("test1", false, 100, 1000, "text/file"),
			}}, false)
		case vfs.ReadFileOptions:
			data := []byte("ABCDE")
			end := o.Offset + o.Length
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			reply(f, req.ID, vfs.ReadFileValue{Data: data[o.Offset:end]}, false)
		case vfs.OpenFileOptions, vfs.CloseFileOptions, vfs.UnmountOptions, vfs.AbortOptions:
			reply(f, req.ID, nil, false)
		}
	}
}

func TestClientScenario(t *testing.T) {
	reg, f, tr := mountDummy(t)
	go serveDummy(t, f, tr)
	c := vfs.NewClient(f)
	ctx := context.Background()

	md, err := c.GetMetadata(ctx, "/test/dummy.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), md.Size)

	_, err = c.GetMetadata(ctx, "/nope")
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	entries, err := c.ReadDirectory(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "test", entries[0].Name)
	assert.Equal(t, "test1", entries[1].Name)

	openID, err := c.Open(ctx, "/test/dummy.txt", vfs.OpenRead)
	require.NoError(t, err)
	assert.Len(t, f.Info().OpenedFiles, 1)

	data, err := c.Read(ctx, openID, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", string(data))

	data, err = c.Read(ctx, openID, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, "DE", string(data))

	require.NoError(t, c.Close(ctx, openID))
	assert.Empty(t, f.Info().OpenedFiles)
	assert.ErrorIs(t, c.Close(ctx, openID), vfs.ErrNotOpen)

	require.NoError(t, c.Unmount(ctx))
	_, ok := reg.Get("dummyId")
	assert.False(t, ok)
}

func TestClientContextCancelAborts(t *testing.T) {
	_, f, tr := mountDummy(t)
	c := vfs.NewClient(f)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetMetadata(ctx, "/slow")
		errc <- err
	}()

	target := tr.next(t)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, vfs.ErrAborted)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("GetMetadata did not return after cancel")
	}
	abort := tr.next(t)
	assert.Equal(t, vfs.AbortOptions{FileSystemID: "dummyId", OperationRequestID: target.ID}, abort.Options)
}
