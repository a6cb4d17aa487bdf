package provider_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsprovider/mockprovider"
	"vfsprovider/provider"
	"vfsprovider/vfs"
)

func dummyOptions() vfs.MountOptions {
	return vfs.MountOptions{
		FileSystemID:     "dummyId",
		DisplayName:      "Dummy",
		Writable:         false,
		OpenedFilesLimit: 10,
	}
}

func TestMountLoopback_DummyScenario(t *testing.T) {
	reg := vfs.NewRegistry()
	defer reg.Shutdown()
	p := mockprovider.New(mockprovider.Dummy()...)

	f, err := provider.MountLoopback(reg, "test", dummyOptions(), p)
	require.NoError(t, err)
	c := vfs.NewClient(f)
	ctx := context.Background()

	openID, err := c.Open(ctx, "/test/dummy.txt", vfs.OpenRead)
	require.NoError(t, err)
	info := f.Info()
	require.Len(t, info.OpenedFiles, 1)
	assert.Equal(t, "/test/dummy.txt", info.OpenedFiles[0].FilePath)
	assert.Equal(t, openID, info.OpenedFiles[0].OpenRequestID)

	data, err := c.Read(ctx, openID, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", string(data))

	require.NoError(t, c.Close(ctx, openID))
	assert.Empty(t, f.Info().OpenedFiles)
	assert.Equal(t, 0, p.OpenFiles())

	require.NoError(t, c.Unmount(ctx))
	_, ok := reg.Get("dummyId")
	assert.False(t, ok)
	assert.True(t, p.Unmounted())

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("file system not done after unmount")
	}
}

func TestMountLoopback_ListsPagedDirectory(t *testing.T) {
	reg := vfs.NewRegistry()
	defer reg.Shutdown()
	p := mockprovider.New(append(mockprovider.Dummy(), mockprovider.WithPageSize(1))...)

	f, err := provider.MountLoopback(reg, "test", dummyOptions(), p)
	require.NoError(t, err)

	entries, err := vfs.NewClient(f).ReadDirectory(context.Background(), "/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "test", entries[0].Name)
	assert.Equal(t, uint64(999), entries[0].Size)
	assert.Equal(t, "test1", entries[1].Name)
}

func TestMountLoopback_WriteOnReadOnly(t *testing.T) {
	reg := vfs.NewRegistry()
	defer reg.Shutdown()
	p := mockprovider.New(mockprovider.Dummy()...)

	f, err := provider.MountLoopback(reg, "test", dummyOptions(), p)
	require.NoError(t, err)

	_, err = vfs.NewClient(f).Open(context.Background(), "/test/dummy.txt", vfs.OpenWrite)
	assert.ErrorIs(t, err, vfs.ErrAccessDenied)
	assert.Equal(t, int32(0), p.Count(vfs.OpOpenFile))
}

func TestMountLoopback_CancelAbortsProviderRequest(t *testing.T) {
	reg := vfs.NewRegistry()
	defer reg.Shutdown()
	gate := make(chan struct{})
	defer close(gate)
	p := mockprovider.New(append(mockprovider.Dummy(), mockprovider.WithGate(vfs.OpGetMetadata, gate))...)

	f, err := provider.MountLoopback(reg, "test", dummyOptions(), p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = vfs.NewClient(f).GetMetadata(ctx, "/test")
	assert.ErrorIs(t, err, vfs.ErrAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), p.Count(vfs.OpGetMetadata))
}

func TestMountLoopback_Rejected(t *testing.T) {
	reg := vfs.NewRegistry(vfs.WithAuthorizer(vfs.AuthorizerFunc(func(origin string) bool {
		return origin == "trusted"
	})))
	defer reg.Shutdown()

	_, err := provider.MountLoopback(reg, "stranger", dummyOptions(), mockprovider.New())
	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)

	_, err = provider.MountLoopback(reg, "trusted", dummyOptions(), mockprovider.New())
	require.NoError(t, err)
	_, err = provider.MountLoopback(reg, "trusted", dummyOptions(), mockprovider.New())
	assert.ErrorIs(t, err, vfs.ErrDuplicateID)
}
