package vfs

import (
	"context"
	"fmt"
)

// FileSystemClient is the blocking view of a mounted filesystem used by
// synchronous consumers such as the FUSE layer.
type FileSystemClient interface {
	ID() string
	Options() MountOptions
	GetMetadata(ctx context.Context, entryPath string) (EntryMetadata, error)
	ReadDirectory(ctx context.Context, dirPath string) ([]EntryMetadata, error)
	Open(ctx context.Context, filePath string, mode OpenMode) (RequestID, error)
	Close(ctx context.Context, openID RequestID) error
	Read(ctx context.Context, openID RequestID, offset, length int64) ([]byte, error)
	Unmount(ctx context.Context) error
}

var _ FileSystemClient = (*Client)(nil)

// Client waits for the outcome of each request. When ctx ends first the
// request is aborted and the call returns once the dispatcher confirms.
type Client struct {
	fs *Filesystem
}

func NewClient(f *Filesystem) *Client {
	return &Client{fs: f}
}

func (c *Client) ID() string            { return c.fs.ID() }
func (c *Client) Options() MountOptions { return c.fs.Options() }

type callResult struct {
	value RequestValue
	err   error
}

// await issues one request and blocks for its terminal outcome, folding
// partial deliveries together.
func (c *Client) await(ctx context.Context, issue func(Callback) (RequestID, error)) (RequestValue, error) {
	done := make(chan callResult, 1)
	var acc RequestValue
	id, err := issue(CallbackFuncs{
		Success: func(_ RequestID, v RequestValue, hasMore bool) {
			acc = fold(acc, v)
			if !hasMore {
				done <- callResult{value: acc}
			}
		},
		Error: func(_ RequestID, err error) {
			done <- callResult{err: err}
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
	}
	c.fs.Abort(id, CallbackFuncs{})
	r := <-done
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", r.err, ctx.Err())
	}
	return r.value, nil
}

func fold(acc, v RequestValue) RequestValue {
	switch a := acc.(type) {
	case ReadDirectoryValue:
		if b, ok := v.(ReadDirectoryValue); ok {
			return a.Concat(b)
		}
	case ReadFileValue:
		if b, ok := v.(ReadFileValue); ok {
			return a.Concat(b)
		}
	}
	return v
}

func (c *Client) GetMetadata(ctx context.Context, entryPath string) (EntryMetadata, error) {
	v, err := c.await(ctx, func(cb Callback) (RequestID, error) {
		return c.fs.GetMetadata(entryPath, cb)
	})
	if err != nil {
		return EntryMetadata{}, err
	}
	return v.(GetMetadataValue).Metadata, nil
}

func (c *Client) ReadDirectory(ctx context.Context, dirPath string) ([]EntryMetadata, error) {
	v, err := c.fs.ReadDirectoryStream(ctx, dirPath).Collect()
	if err != nil {
		return nil, err
	}
	return v.Entries, nil
}

// Open returns the open request id, which identifies the file in later
// Read and Close calls.
func (c *Client) Open(ctx context.Context, filePath string, mode OpenMode) (RequestID, error) {
	var openID RequestID
	_, err := c.await(ctx, func(cb Callback) (RequestID, error) {
		id, err := c.fs.OpenFile(filePath, mode, cb)
		openID = id
		return id, err
	})
	if err != nil {
		return 0, err
	}
	return openID, nil
}

func (c *Client) Close(ctx context.Context, openID RequestID) error {
	_, err := c.await(ctx, func(cb Callback) (RequestID, error) {
		return c.fs.CloseFile(openID, cb)
	})
	return err
}

func (c *Client) Read(ctx context.Context, openID RequestID, offset, length int64) ([]byte, error) {
	v, err := c.await(ctx, func(cb Callback) (RequestID, error) {
		return c.fs.ReadFile(openID, offset, length, cb)
	})
	if err != nil {
		return nil, err
	}
	return v.(ReadFileValue).Data, nil
}

func (c *Client) Unmount(ctx context.Context) error {
	_, err := c.await(ctx, func(cb Callback) (RequestID, error) {
		return c.fs.Unmount(cb)
	})
	return err
}
