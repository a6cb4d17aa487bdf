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

type sentReply struct {
	op    vfs.Operation
	reply vfs.Reply
}

func recordReplies() (provider.ReplyFunc, chan sentReply) {
	ch := make(chan sentReply, 64)
	return func(op vfs.Operation, r vfs.Reply) error {
		ch <- sentReply{op: op, reply: r}
		return nil
	}, ch
}

func nextReply(t *testing.T, ch chan sentReply) sentReply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	return sentReply{}
}

func request(t *testing.T, id vfs.RequestID, opts vfs.RequestedOptions) vfs.Request {
	t.Helper()
	return vfs.Request{ID: id, Options: opts}
}

func TestSession_GetMetadata(t *testing.T) {
	reply, ch := recordReplies()
	s := provider.NewSession("fs", mockprovider.New(mockprovider.Dummy()...), reply)
	defer s.Close()

	opts, err := vfs.NewGetMetadataOptions("fs", "/test")
	require.NoError(t, err)
	s.Handle(request(t, 1, opts))

	r := nextReply(t, ch)
	assert.Equal(t, vfs.OpGetMetadata, r.op)
	require.NoError(t, r.reply.Err)
	assert.Equal(t, vfs.RequestID(1), r.reply.RequestID)
	assert.False(t, r.reply.HasMore)
	md := r.reply.Value.(vfs.GetMetadataValue).Metadata
	assert.Equal(t, "test", md.Name)
	assert.True(t, md.IsDirectory)
}

func TestSession_ReadDirectoryMarksLastPage(t *testing.T) {
	reply, ch := recordReplies()
	p := mockprovider.New(append(mockprovider.Dummy(), mockprovider.WithPageSize(1))...)
	s := provider.NewSession("fs", p, reply)
	defer s.Close()

	opts, err := vfs.NewReadDirectoryOptions("fs", "/")
	require.NoError(t, err)
	s.Handle(request(t, 2, opts))

	first := nextReply(t, ch)
	require.NoError(t, first.reply.Err)
	assert.True(t, first.reply.HasMore)
	assert.Equal(t, "test", first.reply.Value.(vfs.ReadDirectoryValue).Entries[0].Name)

	last := nextReply(t, ch)
	require.NoError(t, last.reply.Err)
	assert.False(t, last.reply.HasMore)
	assert.Equal(t, "test1", last.reply.Value.(vfs.ReadDirectoryValue).Entries[0].Name)
}

func TestSession_EmptyDirectoryStillAnswers(t *testing.T) {
	reply, ch := recordReplies()
	s := provider.NewSession("fs", mockprovider.New(mockprovider.WithDir("/empty", time.Time{})), reply)
	defer s.Close()

	opts, err := vfs.NewReadDirectoryOptions("fs", "/empty")
	require.NoError(t, err)
	s.Handle(request(t, 3, opts))

	r := nextReply(t, ch)
	require.NoError(t, r.reply.Err)
	assert.False(t, r.reply.HasMore)
	assert.Empty(t, r.reply.Value.(vfs.ReadDirectoryValue).Entries)
}

func TestSession_AbortCancelsTarget(t *testing.T) {
	reply, ch := recordReplies()
	gate := make(chan struct{})
	defer close(gate)
	p := mockprovider.New(append(mockprovider.Dummy(), mockprovider.WithGate(vfs.OpGetMetadata, gate))...)
	s := provider.NewSession("fs", p, reply)
	defer s.Close()

	md, err := vfs.NewGetMetadataOptions("fs", "/test")
	require.NoError(t, err)
	s.Handle(request(t, 1, md))

	abort, err := vfs.NewAbortOptions("fs", 1)
	require.NoError(t, err)
	s.Handle(request(t, 2, abort))

	got := map[vfs.RequestID]vfs.Reply{}
	for range 2 {
		r := nextReply(t, ch)
		got[r.reply.RequestID] = r.reply
	}
	assert.NoError(t, got[2].Err)
	assert.ErrorIs(t, got[1].Err, context.Canceled)
}

func TestSession_UnmountWithoutUnmounter(t *testing.T) {
	reply, ch := recordReplies()
	s := provider.NewSession("fs", handlerOnly{mockprovider.New()}, reply)
	defer s.Close()

	opts, err := vfs.NewUnmountOptions("fs")
	require.NoError(t, err)
	s.Handle(request(t, 1, opts))
	assert.NoError(t, nextReply(t, ch).reply.Err)
}

func TestSession_CloseCancelsRunning(t *testing.T) {
	reply, ch := recordReplies()
	gate := make(chan struct{})
	defer close(gate)
	p := mockprovider.New(append(mockprovider.Dummy(), mockprovider.WithGate(vfs.OpGetMetadata, gate))...)
	s := provider.NewSession("fs", p, reply)

	md, err := vfs.NewGetMetadataOptions("fs", "/test")
	require.NoError(t, err)
	s.Handle(request(t, 1, md))

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.ErrorIs(t, nextReply(t, ch).reply.Err, context.Canceled)
}

// handlerOnly hides the Unmounter implementation of the wrapped provider.
type handlerOnly struct {
	provider.Handler
}
