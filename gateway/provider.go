package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"vfsprovider/vfs"
	"vfsprovider/wire"
)

// ProviderSession upgrades to a websocket and serves one provider
// connection until it closes. Every file system mounted through the
// connection is unmounted when it goes away.
func (g *Gateway) ProviderSession(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn := &providerConn{
		id:       uuid.New().String(),
		origin:   c.Request().Header.Get("Origin"),
		registry: g.registry,
		ch:       wire.NewChannel(ws),
		owned:    make(map[string]*vfs.Filesystem),
	}
	log.Info().Str("session", conn.id).Str("origin", conn.origin).Msg("provider connected")
	conn.serve()
	return nil
}

type providerConn struct {
	id       string
	origin   string
	registry *vfs.Registry
	ch       *wire.Channel

	mu    sync.Mutex
	owned map[string]*vfs.Filesystem
}

// Send implements vfs.Transport for every file system of the connection.
func (c *providerConn) Send(_ context.Context, req vfs.Request) error {
	m, err := wire.EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.ch.Send(m)
}

func (c *providerConn) serve() {
	for {
		m, err := c.ch.Receive()
		if err != nil {
			log.Info().Str("session", c.id).Err(err).Msg("provider disconnected")
			break
		}
		switch m.Kind {
		case wire.KindMount:
			c.mount(m)
		case wire.KindUnmount:
			c.unmount(m)
		case wire.KindReply:
			c.reply(m)
		default:
			log.Warn().Str("session", c.id).Str("kind", string(m.Kind)).Msg("unexpected message from provider")
		}
	}
	if err := c.close(); err != nil {
		log.Warn().Str("session", c.id).Err(err).Msg("failed to unmount provider file systems")
	}
}

func (c *providerConn) answer(kind wire.Kind, fsID string, err error) {
	if sendErr := c.ch.Send(wire.Message{Kind: kind, FileSystemID: fsID, Error: wire.NewError(err)}); sendErr != nil {
		log.Warn().Str("session", c.id).Err(sendErr).Msg("failed to answer provider")
	}
}

func (c *providerConn) mount(m wire.Message) {
	if m.Mount == nil {
		c.answer(wire.KindMounted, m.FileSystemID, fmt.Errorf("%w: mount options missing", vfs.ErrInvalidArgument))
		return
	}
	f, err := c.registry.Mount(c.origin, *m.Mount, c)
	if err == nil {
		c.mu.Lock()
		c.owned[f.ID()] = f
		c.mu.Unlock()
	}
	c.answer(wire.KindMounted, m.Mount.FileSystemID, err)
}

// unmount handles a provider withdrawing one of its file systems.
func (c *providerConn) unmount(m wire.Message) {
	c.mu.Lock()
	f, ok := c.owned[m.FileSystemID]
	delete(c.owned, m.FileSystemID)
	c.mu.Unlock()
	if !ok {
		c.answer(wire.KindUnmounted, m.FileSystemID, fmt.Errorf("%w: file system %q", vfs.ErrNotFound, m.FileSystemID))
		return
	}
	c.answer(wire.KindUnmounted, m.FileSystemID, c.release(f))
}

// release unmounts f unless it is already gone, possibly replaced by a
// later mount under the same id.
func (c *providerConn) release(f *vfs.Filesystem) error {
	if current, ok := c.registry.Get(f.ID()); !ok || current != f {
		return nil
	}
	if err := c.registry.Unmount(f.ID()); err != nil && !errors.Is(err, vfs.ErrNotFound) {
		return err
	}
	return nil
}

func (c *providerConn) reply(m wire.Message) {
	c.mu.Lock()
	f, ok := c.owned[m.FileSystemID]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("session", c.id).Str("fileSystemId", m.FileSystemID).Msg("reply for unknown file system")
		return
	}
	r, err := wire.DecodeReply(m)
	if err != nil {
		r = vfs.Reply{FileSystemID: m.FileSystemID, RequestID: vfs.RequestID(m.RequestID), Err: err}
	}
	f.Deliver(r)
}

func (c *providerConn) close() error {
	c.mu.Lock()
	owned := c.owned
	c.owned = make(map[string]*vfs.Filesystem)
	c.mu.Unlock()

	ids := make([]string, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result *multierror.Error
	for _, id := range ids {
		if err := c.release(owned[id]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.ch.Close()
	return result.ErrorOrNil()
}
