package vfs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"vfsprovider/diag"
)

// Authorizer decides whether an origin may register as a filesystem
// provider.
type Authorizer interface {
	Allowed(origin string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(origin string) bool

func (f AuthorizerFunc) Allowed(origin string) bool { return f(origin) }

// AllowAll authorizes every origin.
var AllowAll Authorizer = AuthorizerFunc(func(string) bool { return true })

// Listener is told about mounts and unmounts, in order, on a goroutine of
// the registry's own.
type Listener interface {
	OnMount(f *Filesystem)
	OnUnmount(fsID string)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithAuthorizer(a Authorizer) RegistryOption {
	return func(r *Registry) { r.authorizer = a }
}

func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

func WithTracker(t *diag.Tracker) RegistryOption {
	return func(r *Registry) { r.tracker = t }
}

// WithRequestTimeout aborts requests the provider has not finished within
// d. Expired requests are aborted at the provider too; an abort that
// itself expires is dropped. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func WithListener(l Listener) RegistryOption {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// Registry is the process-wide table of mounted filesystems. Create one at
// startup and call Shutdown when done.
type Registry struct {
	mu          sync.RWMutex
	filesystems map[string]*Filesystem
	closed      bool

	authorizer Authorizer
	observer   Observer
	tracker    *diag.Tracker
	timeout    time.Duration
	listeners  []Listener

	notify     *queue[func()]
	notifyDone chan struct{}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		filesystems: make(map[string]*Filesystem),
		authorizer:  AllowAll,
		observer:    nopObserver{},
		notify:      newQueue[func()](),
		notifyDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go func() {
		defer close(r.notifyDone)
		for {
			fn, ok, _ := r.notify.pop(context.Background())
			if !ok {
				return
			}
			fn()
		}
	}()
	return r
}

// Mount registers a filesystem served by the provider behind t. origin
// identifies the provider to the authorizer.
func (r *Registry) Mount(origin string, options MountOptions, t Transport) (*Filesystem, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidArgument)
	}
	if !r.authorizer.Allowed(origin) {
		return nil, fmt.Errorf("%w: origin %q may not provide file systems", ErrPermissionDenied, origin)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: registry is shut down", ErrUnavailable)
	}
	if _, ok := r.filesystems[options.FileSystemID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, options.FileSystemID)
	}
	f := newFilesystem(r, options, t)
	r.filesystems[options.FileSystemID] = f
	r.mu.Unlock()

	r.observer.Mounted(f.ID())
	log.Info().
		Str("fileSystemId", f.ID()).
		Str("displayName", options.DisplayName).
		Str("origin", origin).
		Bool("writable", options.Writable).
		Uint32("openedFilesLimit", options.OpenedFilesLimit).
		Msg("file system mounted")
	for _, l := range r.listeners {
		r.notify.push(func() { l.OnMount(f) })
	}
	return f, nil
}

// Unmount removes a filesystem. Its pending requests fail with ErrAborted
// and its open-file table is released before Unmount returns. It must not
// be called from a Callback; use Filesystem.Unmount there.
func (r *Registry) Unmount(fsID string) error {
	r.mu.Lock()
	f, ok := r.filesystems[fsID]
	if ok {
		delete(r.filesystems, fsID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: file system %q", ErrNotFound, fsID)
	}
	f.shutdown()
	r.unmounted(fsID)
	return nil
}

// unmountFromDispatcher is Unmount for the filesystem's own dispatcher
// goroutine, which cannot wait for itself.
func (r *Registry) unmountFromDispatcher(f *Filesystem) {
	r.mu.Lock()
	current, ok := r.filesystems[f.ID()]
	if ok && current == f {
		delete(r.filesystems, f.ID())
	}
	r.mu.Unlock()
	f.teardown()
	if ok && current == f {
		r.unmounted(f.ID())
	}
}

func (r *Registry) unmounted(fsID string) {
	r.observer.Unmounted(fsID)
	log.Info().Str("fileSystemId", fsID).Msg("file system unmounted")
	for _, l := range r.listeners {
		r.notify.push(func() { l.OnUnmount(fsID) })
	}
}

// Get looks up a mounted filesystem.
func (r *Registry) Get(fsID string) (*Filesystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filesystems[fsID]
	return f, ok
}

// Info returns a snapshot of one mounted filesystem.
func (r *Registry) Info(fsID string) (FileSystemInfo, error) {
	f, ok := r.Get(fsID)
	if !ok {
		return FileSystemInfo{}, fmt.Errorf("%w: file system %q", ErrNotFound, fsID)
	}
	return f.Info(), nil
}

// List returns a snapshot of every mounted filesystem, ordered by id.
func (r *Registry) List() []FileSystemInfo {
	r.mu.RLock()
	fss := make([]*Filesystem, 0, len(r.filesystems))
	for _, f := range r.filesystems {
		fss = append(fss, f)
	}
	r.mu.RUnlock()
	sort.Slice(fss, func(i, j int) bool { return fss[i].ID() < fss[j].ID() })
	infos := make([]FileSystemInfo, len(fss))
	for i, f := range fss {
		infos[i] = f.Info()
	}
	return infos
}

// Deliver routes a provider reply to the filesystem it belongs to.
func (r *Registry) Deliver(reply Reply) error {
	f, ok := r.Get(reply.FileSystemID)
	if !ok {
		r.observer.ReplyDiscarded(reply.FileSystemID)
		return fmt.Errorf("%w: file system %q", ErrNotFound, reply.FileSystemID)
	}
	f.Deliver(reply)
	return nil
}

// Shutdown unmounts every filesystem, refuses further mounts and waits
// for listeners to observe the unmounts.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := make([]string, 0, len(r.filesystems))
	for id := range r.filesystems {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	var result *multierror.Error
	for _, id := range ids {
		if err := r.Unmount(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.notify.close()
	<-r.notifyDone
	return result.ErrorOrNil()
}
