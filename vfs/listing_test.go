package vfs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsprovider/vfs"
)

// answerListing replies to the next request with parts. It runs on its
// own goroutine, so it reports nothing through t.
func answerListing(f *vfs.Filesystem, tr *manualTransport, parts ...vfs.ReadDirectoryValue) {
	req := <-tr.reqs
	for i, p := range parts {
		reply(f, req.ID, p, i < len(parts)-1)
	}
}

func TestListingCollect(t *testing.T) {
	_, f, tr := mountDummy(t)
	l := f.ReadDirectoryStream(context.Background(), "/")

	go answerListing(f, tr, listing("a", 2), listing("b", 0), listing("c", 1))

	got, err := l.Collect()
	require.NoError(t, err)
	assert.Equal(t, []string{"a0", "a1", "c0"}, names(got))
}

func TestListingYieldsPartsInOrder(t *testing.T) {
	_, f, tr := mountDummy(t)
	go answerListing(f, tr, listing("a", 1), listing("b", 2))

	var parts [][]string
	for part, err := range f.ReadDirectoryStream(context.Background(), "/").Parts() {
		require.NoError(t, err)
		parts = append(parts, names(part))
	}
	assert.Equal(t, [][]string{{"a0"}, {"b0", "b1"}}, parts)
}

func TestListingIsNotRestartable(t *testing.T) {
	_, f, tr := mountDummy(t)
	l := f.ReadDirectoryStream(context.Background(), "/")
	go answerListing(f, tr, listing("a", 1))
	_, err := l.Collect()
	require.NoError(t, err)

	_, err = l.Collect()
	assert.ErrorIs(t, err, vfs.ErrListingConsumed)
	tr.none(t)
}

func TestListingError(t *testing.T) {
	_, f, tr := mountDummy(t)
	go func() {
		req := <-tr.reqs
		replyErr(f, req.ID, vfs.ErrNotFound)
	}()
	_, err := f.ReadDirectoryStream(context.Background(), "/missing").Collect()
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestListingEarlyStopAborts(t *testing.T) {
	_, f, tr := mountDummy(t)
	ids := make(chan vfs.RequestID, 1)
	go func() {
		req := <-tr.reqs
		ids <- req.ID
		reply(f, req.ID, listing("a", 1), true)
	}()

	for range f.ReadDirectoryStream(context.Background(), "/").Parts() {
		break
	}

	listID := <-ids
	abort := tr.next(t)
	assert.Equal(t, vfs.AbortOptions{FileSystemID: "dummyId", OperationRequestID: listID}, abort.Options)
}

func TestListingContextCancel(t *testing.T) {
	_, f, tr := mountDummy(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.ReadDirectoryStream(ctx, "/").Collect()
	assert.ErrorIs(t, err, vfs.ErrAborted)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Equal(t, vfs.OpReadDirectory, tr.next(t).Options.Operation())
	assert.Equal(t, vfs.OpAbort, tr.next(t).Options.Operation())
}
