package vfs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vfsprovider/vfs"
)

const waitTimeout = 2 * time.Second

type event struct {
	id      vfs.RequestID
	value   vfs.RequestValue
	hasMore bool
	err     error
}

// recorder is a Callback that queues every invocation.
type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 64)}
}

func (r *recorder) OnSuccess(id vfs.RequestID, v vfs.RequestValue, hasMore bool) {
	r.events <- event{id: id, value: v, hasMore: hasMore}
}

func (r *recorder) OnError(id vfs.RequestID, err error) {
	r.events <- event{id: id, err: err}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
	}
	return event{}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected callback: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// manualTransport hands requests to the test, which answers them through
// Filesystem.Deliver.
type manualTransport struct {
	reqs chan vfs.Request
	err  error
}

func newManualTransport() *manualTransport {
	return &manualTransport{reqs: make(chan vfs.Request, 64)}
}

func (m *manualTransport) Send(_ context.Context, req vfs.Request) error {
	if m.err != nil {
		return m.err
	}
	m.reqs <- req
	return nil
}

func (m *manualTransport) next(t *testing.T) vfs.Request {
	t.Helper()
	select {
	case r := <-m.reqs:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for provider request")
	}
	return vfs.Request{}
}

func (m *manualTransport) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-m.reqs:
		t.Fatalf("unexpected provider request: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func dummyOptions() vfs.MountOptions {
	return vfs.MountOptions{
		FileSystemID:     "dummyId",
		DisplayName:      "dummyFileSystem",
		Writable:         false,
		OpenedFilesLimit: 10,
	}
}

func mountWith(t *testing.T, options vfs.MountOptions, opts ...vfs.RegistryOption) (*vfs.Registry, *vfs.Filesystem, *manualTransport) {
	t.Helper()
	reg := vfs.NewRegistry(opts...)
	t.Cleanup(func() { reg.Shutdown() })
	tr := newManualTransport()
	f, err := reg.Mount("https://provider.test", options, tr)
	require.NoError(t, err)
	return reg, f, tr
}

func mountDummy(t *testing.T, opts ...vfs.RegistryOption) (*vfs.Registry, *vfs.Filesystem, *manualTransport) {
	t.Helper()
	return mountWith(t, dummyOptions(), opts...)
}

func reply(f *vfs.Filesystem, id vfs.RequestID, v vfs.RequestValue, hasMore bool) {
	f.Deliver(vfs.Reply{FileSystemID: f.ID(), RequestID: id, Value: v, HasMore: hasMore})
}

func replyErr(f *vfs.Filesystem, id vfs.RequestID, err error) {
	f.Deliver(vfs.Reply{FileSystemID: f.ID(), RequestID: id, Err: err})
}

// openFile opens path and answers the provider request successfully.
func openFile(t *testing.T, f *vfs.Filesystem, tr *manualTransport, path string) vfs.RequestID {
	t.Helper()
	rec := newRecorder()
	id, err := f.OpenFile(path, vfs.OpenRead, rec)
	require.NoError(t, err)
	req := tr.next(t)
	require.Equal(t, id, req.ID)
	reply(f, id, nil, false)
	e := rec.next(t)
	require.NoError(t, e.err)
	return id
}

func entry(name string, dir bool, size uint64, mtime int64, mime string) vfs.EntryMetadata {
	return vfs.EntryMetadata{
		Name:             name,
		IsDirectory:      dir,
		Size:             size,
		ModificationTime: time.UnixMilli(mtime).UTC(),
		MimeType:         mime,
	}
}
