package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"vfsprovider/vfs"
)

// loopback is a vfs.Transport that serves requests with an in-process
// Handler and routes the replies through the registry.
type loopback struct {
	session *Session
}

func (l *loopback) Send(_ context.Context, req vfs.Request) error {
	l.session.Handle(req)
	return nil
}

// MountLoopback mounts h in reg without any process boundary. The handler
// is shut down when the filesystem is unmounted.
func MountLoopback(reg *vfs.Registry, origin string, opts vfs.MountOptions, h Handler) (*vfs.Filesystem, error) {
	// Replies go straight to the mounted instance once it is known, so a
	// late reply never reaches a later mount that reuses the id.
	var mounted atomic.Pointer[vfs.Filesystem]
	session := NewSession(opts.FileSystemID, h, func(_ vfs.Operation, r vfs.Reply) error {
		if f := mounted.Load(); f != nil {
			f.Deliver(r)
			return nil
		}
		if err := reg.Deliver(r); err != nil && !errors.Is(err, vfs.ErrNotFound) {
			return err
		}
		return nil
	})
	f, err := reg.Mount(origin, opts, &loopback{session: session})
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to mount %q: %w", opts.FileSystemID, err)
	}
	mounted.Store(f)
	go func() {
		<-f.Done()
		session.Close()
	}()
	return f, nil
}
