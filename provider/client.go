package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"vfsprovider/vfs"
	"vfsprovider/wire"
)

// ErrClosed is returned for calls on a connection that has gone away.
var ErrClosed = errors.New("connection closed")

type waitKey struct {
	kind wire.Kind
	fsID string
}

// Conn is a provider's websocket connection to a host. Filesystems mounted
// through it are served until they are unmounted or the connection drops.
type Conn struct {
	ch *wire.Channel

	mu       sync.Mutex
	sessions map[string]*Session
	waiters  map[waitKey]chan *wire.Error
	err      error
	done     chan struct{}
}

// Dial connects to the host's provider endpoint, presenting origin to its
// authorizer.
func Dial(ctx context.Context, hostURL, origin string) (*Conn, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, hostURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", hostURL, err)
	}
	c := &Conn{
		ch:       wire.NewChannel(ws),
		sessions: make(map[string]*Session),
		waiters:  make(map[waitKey]chan *wire.Error),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection went away.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Mount asks the host to mount a filesystem served by h.
func (c *Conn) Mount(ctx context.Context, opts vfs.MountOptions, h Handler) error {
	session := NewSession(opts.FileSystemID, h, c.replyFunc(opts.FileSystemID))
	c.mu.Lock()
	if _, ok := c.sessions[opts.FileSystemID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", vfs.ErrDuplicateID, opts.FileSystemID)
	}
	c.sessions[opts.FileSystemID] = session
	c.mu.Unlock()

	o := opts
	err := c.call(ctx, wire.Message{Kind: wire.KindMount, FileSystemID: opts.FileSystemID, Mount: &o}, wire.KindMounted)
	if err != nil {
		c.dropSession(opts.FileSystemID)
		return err
	}
	log.Info().Str("fileSystemId", opts.FileSystemID).Msg("mounted on host")
	return nil
}

// Unmount asks the host to unmount a filesystem mounted through c.
func (c *Conn) Unmount(ctx context.Context, fsID string) error {
	if err := c.call(ctx, wire.Message{Kind: wire.KindUnmount, FileSystemID: fsID}, wire.KindUnmounted); err != nil {
		return err
	}
	c.dropSession(fsID)
	return nil
}

func (c *Conn) call(ctx context.Context, m wire.Message, answer wire.Kind) error {
	k := waitKey{kind: answer, fsID: m.FileSystemID}
	wait := make(chan *wire.Error, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.waiters[k] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, k)
		c.mu.Unlock()
	}()

	if err := c.ch.Send(m); err != nil {
		return err
	}
	select {
	case werr := <-wait:
		return werr.Err()
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) dropSession(fsID string) {
	c.mu.Lock()
	s, ok := c.sessions[fsID]
	delete(c.sessions, fsID)
	c.mu.Unlock()
	if ok {
		// Close waits for the handlers, which may include the caller.
		go s.Close()
	}
}

func (c *Conn) replyFunc(fsID string) ReplyFunc {
	return func(op vfs.Operation, r vfs.Reply) error {
		m, err := wire.EncodeReply(op, r)
		if err != nil {
			m, _ = wire.EncodeReply(op, vfs.Reply{FileSystemID: r.FileSystemID, RequestID: r.RequestID, Err: err})
		}
		if err := c.ch.Send(m); err != nil {
			return err
		}
		if op == vfs.OpUnmount && r.Err == nil {
			c.dropSession(fsID)
		}
		return nil
	}
}

func (c *Conn) readLoop() {
	for {
		m, err := c.ch.Receive()
		if err != nil {
			c.fail(err)
			return
		}
		switch m.Kind {
		case wire.KindRequest:
			c.handleRequest(m)
		case wire.KindMounted, wire.KindUnmounted:
			c.mu.Lock()
			wait, ok := c.waiters[waitKey{kind: m.Kind, fsID: m.FileSystemID}]
			c.mu.Unlock()
			if ok {
				wait <- m.Error
			}
		default:
			log.Warn().Str("kind", string(m.Kind)).Msg("unexpected message from host")
		}
	}
}

func (c *Conn) handleRequest(m wire.Message) {
	c.mu.Lock()
	s, ok := c.sessions[m.FileSystemID]
	c.mu.Unlock()

	req, err := wire.DecodeRequest(m)
	if err == nil && !ok {
		err = fmt.Errorf("%w: file system %q is not served here", vfs.ErrNotFound, m.FileSystemID)
	}
	if err != nil {
		reply, _ := wire.EncodeReply(m.Operation, vfs.Reply{
			FileSystemID: m.FileSystemID,
			RequestID:    vfs.RequestID(m.RequestID),
			Err:          err,
		})
		if sendErr := c.ch.Send(reply); sendErr != nil {
			log.Warn().Err(sendErr).Msg("failed to reject request")
		}
		return
	}
	s.Handle(req)
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()
	close(c.done)
	for _, s := range sessions {
		s.Close()
	}
}

// Close closes the connection. The host unmounts everything mounted
// through it.
func (c *Conn) Close() error {
	err := c.ch.Close()
	<-c.done
	return err
}

// Mount pairs a filesystem's options with the handler that serves it.
type Mount struct {
	Options vfs.MountOptions
	Handler Handler
}

// Run keeps mounts mounted on the host at hostURL. It reconnects with
// exponential backoff when the connection drops and returns when ctx is
// done, when maxElapsed passes without a successful connection, or when
// the host rejects a mount for good.
func Run(ctx context.Context, hostURL, origin string, mounts []Mount, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	connect := func() error {
		conn, err := Dial(ctx, hostURL, origin)
		if err != nil {
			return err
		}
		defer conn.Close()
		for _, m := range mounts {
			if err := conn.Mount(ctx, m.Options, m.Handler); err != nil {
				if errors.Is(err, vfs.ErrPermissionDenied) || errors.Is(err, vfs.ErrInvalidArgument) {
					return backoff.Permanent(err)
				}
				return err
			}
		}
		bo.Reset()
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-conn.Done():
			return conn.Err()
		}
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retryIn", next).Str("host", hostURL).Msg("host connection failed")
	}
	return backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify)
}
