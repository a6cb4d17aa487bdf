package fuse

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"vfsprovider/vfs"
)

var _ vfs.Listener = (*Mounter)(nil)

// Mounter mirrors the registry onto the host: every mounted file system
// appears as a FUSE mount at <root>/<fileSystemId> until it is unmounted.
type Mounter struct {
	root  string
	ttl   time.Duration
	debug bool
	owner *fuse.Owner

	mu      sync.Mutex
	servers map[string]*mount
}

type mount struct {
	dir    string
	server interface{ Unmount() error }
	// unmounted is set when Unmount arrives before the mount completed.
	unmounted bool
}

// NewMounter creates root if needed. ttl is the kernel attribute and entry
// cache timeout. Entries are owned by the user running the daemon.
func NewMounter(root string, ttl time.Duration, debug bool) (*Mounter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mount root: %w", err)
	}
	return &Mounter{
		root:    root,
		ttl:     ttl,
		debug:   debug,
		owner:   fuse.CurrentOwner(),
		servers: make(map[string]*mount),
	}, nil
}

// ErrMountPoint is returned for ids that have no usable mount point under
// the root, or whose mount point is already in use.
var ErrMountPoint = errors.New("unusable mount point")

// Dir returns where the file system with fsID is, or would be, mounted.
// Each id maps to its own directory directly under the root.
func (m *Mounter) Dir(fsID string) (string, error) {
	name := url.PathEscape(fsID)
	switch name {
	case "", ".", "..":
		return "", fmt.Errorf("%w: file system id %q", ErrMountPoint, fsID)
	}
	return filepath.Join(m.root, name), nil
}

func (m *Mounter) OnMount(f *vfs.Filesystem) {
	if err := m.Mount(vfs.NewClient(f)); err != nil {
		log.Error().Str("fileSystemId", f.ID()).Err(err).Msg("failed to expose file system")
	}
}

func (m *Mounter) OnUnmount(fsID string) {
	if err := m.Unmount(fsID); err != nil {
		log.Warn().Str("fileSystemId", fsID).Err(err).Msg("failed to remove file system mount")
	}
}

// Mount exposes c at Dir(c.ID()).
func (m *Mounter) Mount(c vfs.FileSystemClient) error {
	dir, err := m.Dir(c.ID())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.servers[c.ID()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is already mounted", ErrMountPoint, dir)
	}
	m.servers[c.ID()] = &mount{dir: dir}
	m.mu.Unlock()

	if err := claimDir(dir); err != nil {
		m.release(c.ID())
		return err
	}

	opts := &fs.Options{}
	opts.Debug = m.debug
	opts.EntryTimeout = &m.ttl
	opts.AttrTimeout = &m.ttl
	negativeTimeout := time.Duration(0)
	opts.NegativeTimeout = &negativeTimeout
	opts.FsName = c.ID()
	opts.Name = "vfsprovider"

	server, err := fs.Mount(dir, NewRoot(c, m.ttl, m.owner), opts)
	if err != nil {
		os.Remove(dir)
		m.release(c.ID())
		return fmt.Errorf("failed to mount %s: %w", dir, err)
	}

	m.mu.Lock()
	mt := m.servers[c.ID()]
	mt.server = server
	if mt.unmounted {
		m.mu.Unlock()
		m.release(c.ID())
		server.Unmount()
		os.Remove(dir)
		return nil
	}
	m.mu.Unlock()
	log.Info().Str("fileSystemId", c.ID()).Str("dir", dir).Msg("file system exposed")
	return nil
}

// claimDir creates dir, or accepts an existing empty directory left over
// from an earlier run.
func claimDir(dir string) error {
	err := os.Mkdir(dir, 0755)
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMountPoint, dir, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s is not empty", ErrMountPoint, dir)
	}
	return nil
}

func (m *Mounter) release(fsID string) {
	m.mu.Lock()
	delete(m.servers, fsID)
	m.mu.Unlock()
}

// Unmount removes the FUSE mount of fsID, if any.
func (m *Mounter) Unmount(fsID string) error {
	m.mu.Lock()
	mt, ok := m.servers[fsID]
	if ok && mt.server == nil {
		mt.unmounted = true
		ok = false
	} else {
		delete(m.servers, fsID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := mt.server.Unmount(); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", mt.dir, err)
	}
	if err := os.Remove(mt.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", mt.dir, err)
	}
	return nil
}

// Mounted lists the ids of the exposed file systems.
func (m *Mounter) Mounted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.servers))
	for id, mt := range m.servers {
		if mt.server != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close removes every FUSE mount.
func (m *Mounter) Close() error {
	var result *multierror.Error
	for _, id := range m.Mounted() {
		if err := m.Unmount(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
