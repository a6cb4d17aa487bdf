package vfs_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsprovider/diag"
	"vfsprovider/vfs"
)

func TestMountDuplicateID(t *testing.T) {
	reg, _, _ := mountDummy(t)
	_, err := reg.Mount("o", dummyOptions(), newManualTransport())
	assert.ErrorIs(t, err, vfs.ErrDuplicateID)
	assert.Len(t, reg.List(), 1)
}

func TestMountAfterUnmount(t *testing.T) {
	reg, _, _ := mountDummy(t)
	require.NoError(t, reg.Unmount("dummyId"))
	_, err := reg.Mount("o", dummyOptions(), newManualTransport())
	assert.NoError(t, err)
}

func TestMountPermissionDenied(t *testing.T) {
	reg := vfs.NewRegistry(vfs.WithAuthorizer(vfs.AuthorizerFunc(func(origin string) bool {
		return origin == "https://trusted.test"
	})))
	defer reg.Shutdown()

	_, err := reg.Mount("https://evil.test", dummyOptions(), newManualTransport())
	assert.ErrorIs(t, err, vfs.ErrPermissionDenied)
	_, ok := reg.Get("dummyId")
	assert.False(t, ok)

	_, err = reg.Mount("https://trusted.test", dummyOptions(), newManualTransport())
	assert.NoError(t, err)
}

func TestMountInvalidOptions(t *testing.T) {
	reg := vfs.NewRegistry()
	defer reg.Shutdown()

	_, err := reg.Mount("o", vfs.MountOptions{DisplayName: "x"}, newManualTransport())
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
	_, err = reg.Mount("o", vfs.MountOptions{FileSystemID: "x"}, newManualTransport())
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
	_, err = reg.Mount("o", dummyOptions(), nil)
	assert.ErrorIs(t, err, vfs.ErrInvalidArgument)
}

func TestUnmountNotFound(t *testing.T) {
	reg := vfs.NewRegistry()
	defer reg.Shutdown()
	assert.ErrorIs(t, reg.Unmount("nope"), vfs.ErrNotFound)
}

func TestUnmountAbortsPendingAndReleasesFiles(t *testing.T) {
	reg, f, tr := mountDummy(t)
	openFile(t, f, tr, "/test/dummy.txt")

	pending := newRecorder()
	ids := make([]vfs.RequestID, 3)
	for i := range ids {
		id, err := f.GetMetadata("/slow", pending)
		require.NoError(t, err)
		ids[i] = id
		tr.next(t)
	}

	require.NoError(t, reg.Unmount("dummyId"))
	for _, id := range ids {
		e := pending.next(t)
		assert.Equal(t, id, e.id)
		assert.ErrorIs(t, e.err, vfs.ErrAborted)
	}
	assert.Empty(t, f.Info().OpenedFiles)
	_, ok := reg.Get("dummyId")
	assert.False(t, ok)

	reply(f, ids[0], vfs.GetMetadataValue{}, false)
	pending.none(t)

	_, err := f.GetMetadata("/x", pending)
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestListAndInfo(t *testing.T) {
	reg := vfs.NewRegistry()
	defer reg.Shutdown()

	second := dummyOptions()
	second.FileSystemID = "dummyId1"
	second.Writable = true
	second.OpenedFilesLimit = 100
	_, err := reg.Mount("o", second, newManualTransport())
	require.NoError(t, err)
	_, err = reg.Mount("o", dummyOptions(), newManualTransport())
	require.NoError(t, err)

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "dummyId", infos[0].Options.FileSystemID)
	assert.Equal(t, "dummyId1", infos[1].Options.FileSystemID)
	assert.True(t, infos[1].Options.Writable)

	info, err := reg.Info("dummyId1")
	require.NoError(t, err)
	assert.Equal(t, uint32(100), info.Options.OpenedFilesLimit)

	_, err = reg.Info("missing")
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestDeliverRoutesByFileSystem(t *testing.T) {
	reg, f, tr := mountDummy(t)
	rec := newRecorder()
	id, err := f.GetMetadata("/x", rec)
	require.NoError(t, err)
	tr.next(t)

	assert.ErrorIs(t, reg.Deliver(vfs.Reply{FileSystemID: "other", RequestID: id}), vfs.ErrNotFound)
	require.NoError(t, reg.Deliver(vfs.Reply{FileSystemID: "dummyId", RequestID: id, Value: vfs.GetMetadataValue{}}))
	assert.NoError(t, rec.next(t).err)
}

type listenerLog struct {
	mu     sync.Mutex
	events []string
}

func (l *listenerLog) OnMount(f *vfs.Filesystem) {
	l.mu.Lock()
	l.events = append(l.events, "mount "+f.ID())
	l.mu.Unlock()
}

func (l *listenerLog) OnUnmount(id string) {
	l.mu.Lock()
	l.events = append(l.events, "unmount "+id)
	l.mu.Unlock()
}

func (l *listenerLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestListenersAndShutdown(t *testing.T) {
	l := &listenerLog{}
	reg := vfs.NewRegistry(vfs.WithListener(l))

	for _, id := range []string{"b", "a"} {
		_, err := reg.Mount("o", vfs.MountOptions{FileSystemID: id, DisplayName: id, OpenedFilesLimit: 1}, newManualTransport())
		require.NoError(t, err)
	}
	require.NoError(t, reg.Shutdown())
	assert.Equal(t, []string{"mount b", "mount a", "unmount a", "unmount b"}, l.snapshot())

	_, err := reg.Mount("o", dummyOptions(), newManualTransport())
	assert.ErrorIs(t, err, vfs.ErrUnavailable)
	assert.NoError(t, reg.Shutdown())
}

func TestTrackerSeesPendingRequests(t *testing.T) {
	tracker := diag.NewTracker()
	_, f, tr := mountDummy(t, vfs.WithTracker(tracker))

	rec := newRecorder()
	id, err := f.ReadDirectory("/", rec)
	require.NoError(t, err)
	tr.next(t)

	require.Eventually(t, func() bool {
		reqs := tracker.ForFileSystem("dummyId")
		return len(reqs) == 1 && reqs[0].Phase == "awaiting provider"
	}, time.Second, 5*time.Millisecond)

	reply(f, id, vfs.ReadDirectoryValue{Entries: []vfs.EntryMetadata{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	}}, true)
	rec.next(t)
	reqs := tracker.ForFileSystem("dummyId")
	require.Len(t, reqs, 1)
	assert.Equal(t, 1, reqs[0].Deliveries)
	assert.Equal(t, 3, reqs[0].Entries)
	assert.Zero(t, reqs[0].Bytes)
	assert.Contains(t, tracker.Dump(), "parts=1 (3 entries)")

	reply(f, id, vfs.ReadDirectoryValue{}, false)
	rec.next(t)
	assert.Empty(t, tracker.InFlight())
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	outcomes map[vfs.Outcome]int
	dropped  int
}

func (o *countingObserver) Mounted(string)   {}
func (o *countingObserver) Unmounted(string) {}

func (o *countingObserver) RequestStarted(string, vfs.Operation) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) RequestFinished(_ string, _ vfs.Operation, outcome vfs.Outcome, _ time.Duration) {
	o.mu.Lock()
	o.outcomes[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) ReplyDiscarded(string) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func TestObserverOutcomes(t *testing.T) {
	obs := &countingObserver{outcomes: make(map[vfs.Outcome]int)}
	_, f, tr := mountDummy(t, vfs.WithObserver(obs))

	rec := newRecorder()
	ok, _ := f.GetMetadata("/ok", rec)
	tr.next(t)
	reply(f, ok, vfs.GetMetadataValue{}, false)
	rec.next(t)

	slow, _ := f.GetMetadata("/slow", rec)
	tr.next(t)
	f.Abort(slow, rec)
	rec.next(t)
	abortReq := tr.next(t)
	reply(f, slow, vfs.GetMetadataValue{}, false)
	replyErr(f, abortReq.ID, vfs.ErrNotFound)
	rec.next(t)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.started)
	assert.Equal(t, 1, obs.outcomes[vfs.OutcomeSuccess])
	assert.Equal(t, 1, obs.outcomes[vfs.OutcomeAborted])
	assert.Equal(t, 1, obs.outcomes[vfs.OutcomeError])
	assert.Equal(t, 1, obs.dropped)
}
