package wire

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsprovider/vfs"
)

func TestRequestEnvelope(t *testing.T) {
	opts := []vfs.RequestedOptions{
		vfs.AbortOptions{FileSystemID: "fs", OperationRequestID: 4},
		vfs.GetMetadataOptions{FileSystemID: "fs", EntryPath: "/test/dummy.txt"},
		vfs.OpenFileOptions{FileSystemID: "fs", FilePath: "/a", Mode: vfs.OpenWrite},
		vfs.CloseFileOptions{FileSystemID: "fs", OpenRequestID: 2},
		vfs.ReadDirectoryOptions{FileSystemID: "fs", DirPath: "/"},
		vfs.ReadFileOptions{FileSystemID: "fs", OpenRequestID: 2, Offset: 0, Length: 5},
		vfs.UnmountOptions{FileSystemID: "fs"},
	}
	for i, o := range opts {
		t.Run(string(o.Operation()), func(t *testing.T) {
			m, err := EncodeRequest(vfs.Request{ID: vfs.RequestID(i + 1), Options: o})
			require.NoError(t, err)
			data, err := Marshal(m)
			require.NoError(t, err)

			back, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, KindRequest, back.Kind)
			assert.Equal(t, "fs", back.FileSystemID)

			req, err := DecodeRequest(back)
			require.NoError(t, err)
			assert.Equal(t, vfs.RequestID(i+1), req.ID)
			assert.Equal(t, o, req.Options)
		})
	}
}

func TestOpenModeOnWire(t *testing.T) {
	m, err := EncodeRequest(vfs.Request{ID: 1, Options: vfs.OpenFileOptions{FileSystemID: "fs", FilePath: "/a", Mode: vfs.OpenRead}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fileSystemId":"fs","filePath":"/a","mode":"read"}`, string(m.Options))
}

func TestDecodeRequestRejectsMalformed(t *testing.T) {
	for name, m := range map[string]Message{
		"wrong kind":    {Kind: KindReply, Operation: vfs.OpUnmount, Options: []byte(`{"fileSystemId":"fs"}`)},
		"unknown op":    {Kind: KindRequest, Operation: "format", Options: []byte(`{}`)},
		"missing path":  {Kind: KindRequest, Operation: vfs.OpGetMetadata, Options: []byte(`{"fileSystemId":"fs"}`)},
		"missing fs":    {Kind: KindRequest, Operation: vfs.OpUnmount, Options: []byte(`{}`)},
		"bad json":      {Kind: KindRequest, Operation: vfs.OpReadFile, Options: []byte(`{"offset":"x"}`)},
		"bad open mode": {Kind: KindRequest, Operation: vfs.OpOpenFile, Options: []byte(`{"fileSystemId":"fs","filePath":"/a","mode":"append"}`)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRequest(m)
			assert.Error(t, err)
		})
	}
}

func TestReplyEnvelope(t *testing.T) {
	mtime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	for _, tc := range []struct {
		op    vfs.Operation
		value vfs.RequestValue
	}{
		{vfs.OpGetMetadata, vfs.GetMetadataValue{Metadata: vfs.EntryMetadata{Name: "test1.txt", Size: 10, ModificationTime: mtime, MimeType: "text/plain"}}},
		{vfs.OpReadDirectory, vfs.ReadDirectoryValue{Entries: []vfs.EntryMetadata{{Name: "test", IsDirectory: true, Size: 999, ModificationTime: mtime, MimeType: "text/directory"}}}},
		{vfs.OpReadFile, vfs.ReadFileValue{Data: []byte("ABCDE")}},
		{vfs.OpOpenFile, nil},
		{vfs.OpAbort, nil},
	} {
		t.Run(string(tc.op), func(t *testing.T) {
			m, err := EncodeReply(tc.op, vfs.Reply{FileSystemID: "fs", RequestID: 9, Value: tc.value, HasMore: true})
			require.NoError(t, err)
			data, err := Marshal(m)
			require.NoError(t, err)
			back, err := Unmarshal(data)
			require.NoError(t, err)

			r, err := DecodeReply(back)
			require.NoError(t, err)
			assert.Equal(t, "fs", r.FileSystemID)
			assert.Equal(t, vfs.RequestID(9), r.RequestID)
			assert.True(t, r.HasMore)
			assert.NoError(t, r.Err)
			assert.Equal(t, tc.value, r.Value)
		})
	}
}

func TestErrorReplyKeepsKind(t *testing.T) {
	m, err := EncodeReply(vfs.OpGetMetadata, vfs.Reply{
		FileSystemID: "fs",
		RequestID:    3,
		Err:          fmt.Errorf("%w: /missing", vfs.ErrNotFound),
	})
	require.NoError(t, err)
	require.NotNil(t, m.Error)
	assert.Equal(t, CodeNotFound, m.Error.Code)

	r, err := DecodeReply(m)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Err, vfs.ErrNotFound)
	assert.Equal(t, "not found: /missing", r.Err.Error())
	assert.Nil(t, r.Value)
}

func TestErrorCodes(t *testing.T) {
	for _, c := range codes {
		e := NewError(c.err)
		assert.Equal(t, c.code, e.Code)
		assert.True(t, errors.Is(e.Err(), c.err), "%s", c.code)
		assert.Equal(t, c.err, e.Err(), "bare sentinel should round-trip unchanged")
	}

	e := NewError(errors.New("boom"))
	assert.Equal(t, CodeFailed, e.Code)
	assert.ErrorIs(t, e.Err(), ErrFailed)
	assert.Equal(t, "boom", e.Err().Error())

	assert.Nil(t, NewError(nil))
	var nilErr *Error
	assert.NoError(t, nilErr.Err())

	unknown := &Error{Code: "TEAPOT"}
	assert.ErrorIs(t, unknown.Err(), ErrFailed)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{"fileSystemId":"fs"}`))
	assert.Error(t, err)
}

func TestMountMessage(t *testing.T) {
	data, err := Marshal(Message{Kind: KindMount, Mount: &vfs.MountOptions{FileSystemID: "dummyId", DisplayName: "dummyFileSystem", OpenedFilesLimit: 10}})
	require.NoError(t, err)
	m, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, m.Mount)
	assert.Equal(t, "dummyFileSystem", m.Mount.DisplayName)
	assert.Equal(t, uint32(10), m.Mount.OpenedFilesLimit)
}
