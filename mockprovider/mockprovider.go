// Package mockprovider provides a configurable in-memory filesystem
// provider for testing.
//
// Usage:
//
//	p := mockprovider.New(
//		mockprovider.WithFile("/test/dummy.txt", []byte("ABCDE"), "text/plain", mtime),
//		mockprovider.WithPageSize(1),
//	)
//	f, err := provider.MountLoopback(reg, "test", opts, p)
package mockprovider

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vfsprovider/provider"
	"vfsprovider/vfs"
)

var (
	_ provider.Handler   = (*Provider)(nil)
	_ provider.Unmounter = (*Provider)(nil)
)

type node struct {
	meta     vfs.EntryMetadata
	data     []byte
	children []string
}

// Provider is an in-memory provider.Handler.
type Provider struct {
	mu    sync.Mutex
	nodes map[string]*node
	open  map[vfs.RequestID]string

	// pageSize splits listings into deliveries of at most this many
	// entries. Zero sends the whole listing at once.
	pageSize int

	delays map[vfs.Operation]time.Duration
	gates  map[vfs.Operation]<-chan struct{}
	errs   map[string]error

	// requestHook, if set, is called at the start of every request.
	requestHook func(op vfs.Operation, target string)

	counts    sync.Map // vfs.Operation -> *atomic.Int32
	unmounted atomic.Bool
}

// Option configures a mock provider.
type Option func(*Provider)

// WithEntry registers an entry with explicit metadata. Missing parent
// directories are created. The entry's name is taken from p.
func WithEntry(p string, meta vfs.EntryMetadata) Option {
	return func(m *Provider) {
		meta.Name = path.Base(p)
		m.put(path.Clean(p), &node{meta: meta})
	}
}

// WithFile registers a regular file whose size is len(data).
func WithFile(p string, data []byte, mimeType string, mtime time.Time) Option {
	return func(m *Provider) {
		m.put(path.Clean(p), &node{
			meta: vfs.EntryMetadata{
				Name:             path.Base(p),
				Size:             uint64(len(data)),
				ModificationTime: mtime,
				MimeType:         mimeType,
			},
			data: data,
		})
	}
}

// WithDir registers a directory.
func WithDir(p string, mtime time.Time) Option {
	return func(m *Provider) {
		m.put(path.Clean(p), &node{meta: vfs.EntryMetadata{
			Name:             path.Base(p),
			IsDirectory:      true,
			ModificationTime: mtime,
			MimeType:         "text/directory",
		}})
	}
}

// WithPageSize delivers listings n entries at a time.
func WithPageSize(n int) Option {
	return func(m *Provider) { m.pageSize = n }
}

// WithDelay makes every request of kind op take at least d.
func WithDelay(op vfs.Operation, d time.Duration) Option {
	return func(m *Provider) { m.delays[op] = d }
}

// WithGate holds every request of kind op until gate is closed or the
// request is aborted.
func WithGate(op vfs.Operation, gate <-chan struct{}) Option {
	return func(m *Provider) { m.gates[op] = gate }
}

// WithError makes every request naming p fail with err.
func WithError(p string, err error) Option {
	return func(m *Provider) { m.errs[path.Clean(p)] = err }
}

// WithRequestHook sets a callback invoked at the start of every request.
func WithRequestHook(h func(op vfs.Operation, target string)) Option {
	return func(m *Provider) { m.requestHook = h }
}

// Dummy returns the data set of the reference provider page: a read-only
// tree whose root lists "test" and "test1", and /test/dummy.txt holding
// "ABCDE".
func Dummy() []Option {
	return []Option{
		WithEntry("/test", vfs.EntryMetadata{
			IsDirectory:      true,
			Size:             999,
			ModificationTime: time.UnixMilli(100).UTC(),
			MimeType:         "text/directory",
		}),
		WithEntry("/test1", vfs.EntryMetadata{
			Size:             100,
			ModificationTime: time.UnixMilli(1000).UTC(),
			MimeType:         "text/file",
		}),
		WithFile("/test/dummy.txt", []byte("ABCDE"), "text/plain", time.UnixMilli(1000).UTC()),
	}
}

// New creates a mock provider. The root directory always exists.
func New(opts ...Option) *Provider {
	m := &Provider{
		nodes:  make(map[string]*node),
		open:   make(map[vfs.RequestID]string),
		delays: make(map[vfs.Operation]time.Duration),
		gates:  make(map[vfs.Operation]<-chan struct{}),
		errs:   make(map[string]error),
	}
	m.nodes["/"] = &node{meta: vfs.EntryMetadata{Name: "/", IsDirectory: true, MimeType: "text/directory"}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Provider) put(p string, n *node) {
	if old, ok := m.nodes[p]; ok {
		n.children = old.children
		m.nodes[p] = n
		return
	}
	parent := path.Dir(p)
	if _, ok := m.nodes[parent]; !ok {
		m.put(parent, &node{meta: vfs.EntryMetadata{Name: path.Base(parent), IsDirectory: true, MimeType: "text/directory"}})
	}
	m.nodes[parent].children = append(m.nodes[parent].children, n.meta.Name)
	m.nodes[p] = n
}

// Count returns how many requests of kind op have been received.
func (m *Provider) Count(op vfs.Operation) int32 {
	c, ok := m.counts.Load(op)
	if !ok {
		return 0
	}
	return c.(*atomic.Int32).Load()
}

// OpenFiles returns the number of files currently open.
func (m *Provider) OpenFiles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Unmounted reports whether the host has unmounted the provider.
func (m *Provider) Unmounted() bool {
	return m.unmounted.Load()
}

// begin records a request and applies the configured hook, delay, gate
// and forced error.
func (m *Provider) begin(ctx context.Context, op vfs.Operation, target string) error {
	c, _ := m.counts.LoadOrStore(op, new(atomic.Int32))
	c.(*atomic.Int32).Add(1)
	if m.requestHook != nil {
		m.requestHook(op, target)
	}
	if d := m.delays[op]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if gate := m.gates[op]; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err, ok := m.errs[path.Clean(target)]; ok && target != "" {
		return err
	}
	return nil
}

func (m *Provider) lookup(p string) (*node, error) {
	n, ok := m.nodes[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vfs.ErrNotFound, p)
	}
	return n, nil
}

func (m *Provider) GetMetadata(ctx context.Context, entryPath string) (vfs.EntryMetadata, error) {
	if err := m.begin(ctx, vfs.OpGetMetadata, entryPath); err != nil {
		return vfs.EntryMetadata{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(entryPath)
	if err != nil {
		return vfs.EntryMetadata{}, err
	}
	return n.meta, nil
}

func (m *Provider) OpenFile(ctx context.Context, openID vfs.RequestID, filePath string, mode vfs.OpenMode) error {
	if err := m.begin(ctx, vfs.OpOpenFile, filePath); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(filePath)
	if err != nil {
		return err
	}
	if n.meta.IsDirectory {
		return fmt.Errorf("%w: %s is a directory", vfs.ErrInvalidArgument, filePath)
	}
	m.open[openID] = path.Clean(filePath)
	return nil
}

func (m *Provider) CloseFile(ctx context.Context, openID vfs.RequestID) error {
	if err := m.begin(ctx, vfs.OpCloseFile, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[openID]; !ok {
		return fmt.Errorf("%w: request %d", vfs.ErrNotOpen, openID)
	}
	delete(m.open, openID)
	return nil
}

func (m *Provider) ReadDirectory(ctx context.Context, dirPath string, emit func([]vfs.EntryMetadata) error) error {
	if err := m.begin(ctx, vfs.OpReadDirectory, dirPath); err != nil {
		return err
	}
	m.mu.Lock()
	n, err := m.lookup(dirPath)
	if err == nil && !n.meta.IsDirectory {
		err = fmt.Errorf("%w: %s is not a directory", vfs.ErrNotFound, dirPath)
	}
	var entries []vfs.EntryMetadata
	if err == nil {
		base := path.Clean(dirPath)
		for _, name := range n.children {
			entries = append(entries, m.nodes[path.Join(base, name)].meta)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	size := m.pageSize
	if size <= 0 || size > len(entries) {
		size = len(entries)
	}
	if size == 0 {
		return emit(nil)
	}
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		if err := emit(entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Provider) ReadFile(ctx context.Context, openID vfs.RequestID, offset, length int64) ([]byte, error) {
	if err := m.begin(ctx, vfs.OpReadFile, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.open[openID]
	if !ok {
		return nil, fmt.Errorf("%w: request %d", vfs.ErrNotOpen, openID)
	}
	data := m.nodes[p].data
	if offset > int64(len(data)) {
		return nil, fmt.Errorf("%w: offset %d beyond size %d", vfs.ErrOutOfRange, offset, len(data))
	}
	end := min(offset+length, int64(len(data)))
	return append([]byte(nil), data[offset:end]...), nil
}

func (m *Provider) Unmount(ctx context.Context) error {
	if err := m.begin(ctx, vfs.OpUnmount, ""); err != nil {
		return err
	}
	m.unmounted.Store(true)
	return nil
}

// Paths returns every registered path, sorted. Useful in assertions.
func (m *Provider) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.nodes))
	for p := range m.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
